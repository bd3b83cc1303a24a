package kite

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/wonny/aegis/intraday/internal/execution"
)

// PlaceOrder implements execution.Broker (POST /orders/regular). The client
// order id travels in the order tag so the order book can be searched for
// it after an ambiguous failure.
func (c *Client) PlaceOrder(ctx context.Context, req execution.PlaceOrderRequest) (string, error) {
	ot, err := orderType(req.OrderType)
	if err != nil {
		return "", &execution.BrokerRejection{Reason: err.Error()}
	}

	form := url.Values{}
	form.Set("exchange", req.Exchange)
	form.Set("tradingsymbol", req.Symbol)
	form.Set("transaction_type", string(req.Side))
	form.Set("quantity", strconv.Itoa(req.Quantity))
	form.Set("order_type", ot)
	form.Set("product", string(req.Product))
	form.Set("validity", "DAY")
	form.Set("tag", req.Tag)
	if req.Price > 0 {
		form.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	}
	if req.TriggerPrice > 0 {
		form.Set("trigger_price", strconv.FormatFloat(req.TriggerPrice, 'f', -1, 64))
	}

	res, err := postForm[placeResult](ctx, c, "/orders/regular", form)
	if err != nil {
		return "", classify(err)
	}
	if res.OrderID == "" {
		return "", fmt.Errorf("order accepted without an order id (tag %s)", req.Tag)
	}

	c.logger.WithFields(map[string]interface{}{
		"order_id": res.OrderID,
		"tag":      req.Tag,
		"symbol":   req.Symbol,
		"side":     string(req.Side),
		"qty":      req.Quantity,
		"type":     ot,
	}).Info("Order placed")
	return res.OrderID, nil
}

// CancelOrder implements execution.Broker (DELETE /orders/regular/{id})
func (c *Client) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if _, err := del[placeResult](ctx, c, "/orders/regular/"+url.PathEscape(brokerOrderID)); err != nil {
		return classify(err)
	}
	return nil
}

// GetOrders implements execution.Broker (GET /orders, today's book)
func (c *Client) GetOrders(ctx context.Context) ([]execution.BrokerOrder, error) {
	rows, err := get[[]orderRow](ctx, c, "/orders")
	if err != nil {
		return nil, classify(err)
	}

	out := make([]execution.BrokerOrder, 0, len(rows))
	for _, r := range rows {
		out = append(out, execution.BrokerOrder{
			BrokerOrderID:  r.OrderID,
			Tag:            r.Tag,
			Status:         r.Status,
			Quantity:       r.Quantity,
			FilledQuantity: r.FilledQuantity,
			AveragePrice:   r.AveragePrice,
			StatusMessage:  r.StatusMessage,
		})
	}
	return out, nil
}
