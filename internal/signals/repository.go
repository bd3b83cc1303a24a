// Package signals is the hand-off point between the strategy layer and the
// trading loop: approved signals are enqueued, claimed once, and closed with
// the execution outcome.
package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

// Signal lifecycle in trading.signals
const (
	StatusNew      = "NEW"
	StatusClaimed  = "CLAIMED"
	StatusConsumed = "CONSUMED"
)

// Repository is the PostgreSQL-backed signal queue
// ⭐ SSOT: 신호 큐 DB 접근은 여기서만
type Repository struct {
	pool   *pgxpool.Pool
	logger *logger.Logger
}

// NewRepository creates a signal repository
func NewRepository(pool *pgxpool.Pool, log *logger.Logger) *Repository {
	return &Repository{pool: pool, logger: log.WithComponent("signals")}
}

// Enqueue stores a validated signal; a repeated id is ignored
func (r *Repository) Enqueue(ctx context.Context, sig *contracts.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to encode signal: %w", err)
	}
	generated := sig.GeneratedAt
	if generated.IsZero() {
		generated = time.Now()
	}

	query := `
		INSERT INTO trading.signals (id, payload, score, status, generated_at)
		VALUES ($1, $2, $3, 'NEW', $4)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, query, sig.ID, payload, sig.Score(), generated); err != nil {
		return fmt.Errorf("failed to enqueue signal %s: %w", sig.ID, err)
	}
	return nil
}

// Claim marks up to limit NEW signals as claimed and returns them, best
// score first. Concurrent claimers never receive the same row.
func (r *Repository) Claim(ctx context.Context, limit int) ([]*contracts.Signal, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
		UPDATE trading.signals s
		SET status = 'CLAIMED', consumed_at = NOW()
		WHERE s.id IN (
			SELECT id FROM trading.signals
			WHERE status = 'NEW'
			ORDER BY score DESC, generated_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING s.payload
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim signals: %w", err)
	}
	defer rows.Close()

	out := make([]*contracts.Signal, 0, limit)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		sig := &contracts.Signal{}
		if err := json.Unmarshal(payload, sig); err != nil {
			r.logger.WithError(err).Warn("Skipping undecodable signal payload")
			continue
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed signals: %w", err)
	}

	if len(out) > 0 {
		r.logger.WithField("count", len(out)).Debug("Claimed signals")
	}
	return out, nil
}

// Complete records the execution outcome of a claimed signal
func (r *Repository) Complete(ctx context.Context, signalID, outcome, message string) error {
	query := `
		UPDATE trading.signals
		SET status = 'CONSUMED', result_code = $2, result_message = $3
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, query, signalID, outcome, message); err != nil {
		return fmt.Errorf("failed to complete signal %s: %w", signalID, err)
	}
	return nil
}

// Outcome is the recorded result of one signal
type Outcome struct {
	SignalID string `json:"signal_id"`
	Status   string `json:"status"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Recent returns the latest signal outcomes, newest first
func (r *Repository) Recent(ctx context.Context, limit int) ([]Outcome, error) {
	query := `
		SELECT id, status, COALESCE(result_code, ''), COALESCE(result_message, '')
		FROM trading.signals
		ORDER BY generated_at DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.SignalID, &o.Status, &o.Code, &o.Message); err != nil {
			return nil, fmt.Errorf("failed to scan signal outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
