package kite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/execution"
	"github.com/wonny/aegis/intraday/pkg/config"
	"github.com/wonny/aegis/intraday/pkg/httputil"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

// Client handles communication with the Kite Connect REST API
// ⭐ SSOT: 브로커 API 호출은 이 클라이언트에서만
//
// Implements execution.Broker, execution.SessionValidator and the
// orchestrator's AccountSource. Every call shares one rate limiter.
type Client struct {
	http    *httputil.Client
	baseURL string
	logger  *logger.Logger

	sessionTTL time.Duration
	sessionMu  sync.Mutex
	sessionOK  bool
	checkedAt  time.Time
	now        func() time.Time
}

// NewClient creates an API client from the broker config
func NewClient(cfg *config.Config, log *logger.Logger) *Client {
	rps := cfg.Broker.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	httpClient := httputil.New(cfg, log).
		WithRateLimiter(rate.NewLimiter(rate.Limit(rps), 1)).
		WithHeader("X-Kite-Version", "3").
		WithHeader("Authorization", fmt.Sprintf("token %s:%s", cfg.Broker.APIKey, cfg.Broker.AccessToken)).
		WithRetry(2, 200*time.Millisecond)

	return newClient(httpClient, cfg.Broker.BaseURL, log)
}

func newClient(httpClient *httputil.Client, baseURL string, log *logger.Logger) *Client {
	return &Client{
		http:       httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     log.WithComponent("kite"),
		sessionTTL: 30 * time.Second,
		now:        time.Now,
	}
}

// get decodes the data of GET path
func get[T any](ctx context.Context, c *Client, path string) (T, error) {
	var zero T
	resp, err := c.http.Get(ctx, c.baseURL+path)
	if err != nil {
		return zero, fmt.Errorf("GET %s: %w", path, err)
	}
	return decode[T](resp)
}

func postForm[T any](ctx context.Context, c *Client, path string, form url.Values) (T, error) {
	var zero T
	resp, err := c.http.PostForm(ctx, c.baseURL+path, form)
	if err != nil {
		return zero, fmt.Errorf("POST %s: %w", path, err)
	}
	return decode[T](resp)
}

func del[T any](ctx context.Context, c *Client, path string) (T, error) {
	var zero T
	resp, err := c.http.Delete(ctx, c.baseURL+path)
	if err != nil {
		return zero, fmt.Errorf("DELETE %s: %w", path, err)
	}
	return decode[T](resp)
}

// decode unwraps the envelope. Error envelopes become *APIError.
func decode[T any](resp *http.Response) (T, error) {
	var env envelope[T]
	err := httputil.DecodeJSON(resp, &env)

	var se *httputil.StatusError
	if errors.As(err, &se) {
		// error bodies carry the envelope too
		apiErr := &APIError{StatusCode: se.StatusCode, Message: se.Body}
		var body envelope[json.RawMessage]
		if json.Unmarshal([]byte(se.Body), &body) == nil && body.Message != "" {
			apiErr.ErrorType = body.ErrorType
			apiErr.Message = body.Message
		}
		return env.Data, apiErr
	}
	if err != nil {
		return env.Data, err
	}
	if env.Status != "success" {
		return env.Data, &APIError{StatusCode: resp.StatusCode, ErrorType: env.ErrorType, Message: env.Message}
	}
	return env.Data, nil
}

// HasValidSession implements execution.SessionValidator. The profile call
// is cached briefly so a mode-switch check does not hammer the API.
func (c *Client) HasValidSession(ctx context.Context) bool {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if !c.checkedAt.IsZero() && c.now().Sub(c.checkedAt) < c.sessionTTL {
		return c.sessionOK
	}

	p, err := get[profile](ctx, c, "/user/profile")
	c.sessionOK = err == nil && p.UserID != ""
	c.checkedAt = c.now()
	if err != nil {
		c.logger.WithError(err).Warn("Broker session check failed")
	}
	return c.sessionOK
}

// Account returns funds from /user/margins (equity + commodity segments)
func (c *Client) Account(ctx context.Context) (contracts.Account, error) {
	m, err := get[margins](ctx, c, "/user/margins")
	if err != nil {
		return contracts.Account{}, fmt.Errorf("failed to fetch margins: %w", err)
	}
	acc := contracts.Account{FetchedAt: c.now()}
	for _, seg := range []segmentMargins{m.Equity, m.Commodity} {
		if !seg.Enabled {
			continue
		}
		acc.NetLiquid += seg.Net
		acc.UsedMargin += seg.Utilised.Debits
		acc.AvailableMargin += seg.Available.LiveBalance
	}
	return acc, nil
}

// classify maps API errors onto the engine's retry semantics: business
// refusals are *execution.BrokerRejection and never retried; an expired
// token is execution.ErrNoBrokerSession.
func classify(err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorType {
	case ErrorTypeInput, ErrorTypeOrder, ErrorTypeMargin:
		return &execution.BrokerRejection{Reason: apiErr.Message}
	case ErrorTypeToken:
		return fmt.Errorf("%w: %s", execution.ErrNoBrokerSession, apiErr.Message)
	}
	if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests {
		return &execution.BrokerRejection{Reason: apiErr.Message}
	}
	return err
}
