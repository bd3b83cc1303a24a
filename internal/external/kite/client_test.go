package kite

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/internal/execution"
	"github.com/wonny/aegis/intraday/pkg/config"
	"github.com/wonny/aegis/intraday/pkg/logger"
)

func newTestClient(t *testing.T, r *mux.Router) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	cfg := &config.Config{Broker: config.BrokerConfig{
		APIKey:            "key",
		AccessToken:       "secret",
		BaseURL:           srv.URL,
		RequestsPerSecond: 1000,
		Timeout:           time.Second,
	}}
	c := NewClient(cfg, logger.Nop())
	return c
}

func TestPlaceOrder(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/orders/regular", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "token key:secret", req.Header.Get("Authorization"))
		require.NoError(t, req.ParseForm())
		assert.Equal(t, "SL-M", req.PostForm.Get("order_type"))
		assert.Equal(t, "90", req.PostForm.Get("trigger_price"))
		assert.Empty(t, req.PostForm.Get("price"))
		assert.Equal(t, "abc123", req.PostForm.Get("tag"))
		w.Write([]byte(`{"status":"success","data":{"order_id":"250302000001"}}`))
	}).Methods(http.MethodPost)

	c := newTestClient(t, r)
	id, err := c.PlaceOrder(context.Background(), execution.PlaceOrderRequest{
		Exchange:     "NFO",
		Symbol:       "NIFTY2530625000CE",
		Side:         contracts.OrderSideSell,
		Quantity:     75,
		OrderType:    contracts.OrderTypeStopMarket,
		TriggerPrice: 90,
		Product:      contracts.ProductMIS,
		Tag:          "abc123",
	})
	require.NoError(t, err)
	assert.Equal(t, "250302000001", id)
}

func TestPlaceOrder_Classification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		rejection bool
		session   bool
	}{
		{"margin shortfall", 400, `{"status":"error","message":"Insufficient funds","error_type":"MarginException"}`, true, false},
		{"expired token", 403, `{"status":"error","message":"Invalid token","error_type":"TokenException"}`, false, true},
		{"gateway outage", 502, `bad gateway`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mux.NewRouter()
			r.HandleFunc("/orders/regular", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			c := newTestClient(t, r)

			_, err := c.PlaceOrder(context.Background(), execution.PlaceOrderRequest{OrderType: contracts.OrderTypeMarket})
			require.Error(t, err)

			var rej *execution.BrokerRejection
			assert.Equal(t, tt.rejection, errors.As(err, &rej))
			assert.Equal(t, tt.session, errors.Is(err, execution.ErrNoBrokerSession))
		})
	}
}

func TestGetOrdersAndCancel(t *testing.T) {
	r := mux.NewRouter()
	r.HandleFunc("/orders", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"success","data":[
			{"order_id":"1","tag":"t1","status":"TRIGGER PENDING","quantity":75},
			{"order_id":"2","tag":"t2","status":"COMPLETE","quantity":75,"filled_quantity":75,"average_price":101.5}
		]}`))
	}).Methods(http.MethodGet)
	var cancelled string
	r.HandleFunc("/orders/regular/{id}", func(w http.ResponseWriter, req *http.Request) {
		cancelled = mux.Vars(req)["id"]
		w.Write([]byte(`{"status":"success","data":{"order_id":"1"}}`))
	}).Methods(http.MethodDelete)

	c := newTestClient(t, r)
	orders, err := c.GetOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, contracts.OrderStatusPlaced, execution.MapBrokerStatus(orders[0].Status, 0, 75))
	assert.Equal(t, 101.5, orders[1].AveragePrice)

	require.NoError(t, c.CancelOrder(context.Background(), "1"))
	assert.Equal(t, "1", cancelled)
}

func TestAccountAndSession(t *testing.T) {
	calls := 0
	r := mux.NewRouter()
	r.HandleFunc("/user/margins", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"success","data":{
			"equity":{"enabled":true,"net":950000,"available":{"live_balance":700000},"utilised":{"debits":250000}},
			"commodity":{"enabled":false,"net":5}
		}}`))
	})
	r.HandleFunc("/user/profile", func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Write([]byte(`{"status":"success","data":{"user_id":"AB1234"}}`))
	})

	c := newTestClient(t, r)
	acc, err := c.Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 950000.0, acc.NetLiquid)
	assert.Equal(t, 250000.0, acc.UsedMargin)
	assert.Equal(t, 700000.0, acc.AvailableMargin)

	assert.True(t, c.HasValidSession(context.Background()))
	assert.True(t, c.HasValidSession(context.Background()))
	assert.Equal(t, 1, calls, "session check is cached")
}
