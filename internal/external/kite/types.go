package kite

import (
	"fmt"

	"github.com/wonny/aegis/intraday/internal/contracts"
)

// envelope is the common response wrapper
type envelope[T any] struct {
	Status    string `json:"status"` // "success" or "error"
	Data      T      `json:"data"`
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
}

// Error types returned in the envelope
const (
	ErrorTypeToken   = "TokenException"
	ErrorTypeInput   = "InputException"
	ErrorTypeOrder   = "OrderException"
	ErrorTypeMargin  = "MarginException"
	ErrorTypeNetwork = "NetworkException"
	ErrorTypeGeneral = "GeneralException"
)

// APIError is an error envelope
type APIError struct {
	StatusCode int
	ErrorType  string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kite %s (%d): %s", e.ErrorType, e.StatusCode, e.Message)
}

// orderRow is one entry of GET /orders
type orderRow struct {
	OrderID         string  `json:"order_id"`
	Tag             string  `json:"tag"`
	Status          string  `json:"status"`
	StatusMessage   string  `json:"status_message"`
	Quantity        int     `json:"quantity"`
	FilledQuantity  int     `json:"filled_quantity"`
	AveragePrice    float64 `json:"average_price"`
	TradingSymbol   string  `json:"tradingsymbol"`
	Exchange        string  `json:"exchange"`
	TransactionType string  `json:"transaction_type"`
}

type placeResult struct {
	OrderID string `json:"order_id"`
}

type segmentMargins struct {
	Enabled   bool    `json:"enabled"`
	Net       float64 `json:"net"`
	Available struct {
		LiveBalance float64 `json:"live_balance"`
		Cash        float64 `json:"cash"`
	} `json:"available"`
	Utilised struct {
		Debits float64 `json:"debits"`
	} `json:"utilised"`
}

type margins struct {
	Equity    segmentMargins `json:"equity"`
	Commodity segmentMargins `json:"commodity"`
}

type profile struct {
	UserID string `json:"user_id"`
}

// orderType maps the internal order type to the API variety field
func orderType(t contracts.OrderType) (string, error) {
	switch t {
	case contracts.OrderTypeMarket:
		return "MARKET", nil
	case contracts.OrderTypeLimit:
		return "LIMIT", nil
	case contracts.OrderTypeStop:
		return "SL", nil
	case contracts.OrderTypeStopMarket:
		return "SL-M", nil
	}
	return "", fmt.Errorf("unsupported order type %q", t)
}
