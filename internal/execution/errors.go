package execution

import (
	"errors"
	"fmt"

	"github.com/wonny/aegis/intraday/internal/contracts"
)

var (
	// ErrNoBrokerSession blocks live placement without valid credentials
	ErrNoBrokerSession = errors.New("live order blocked: no valid broker session")

	// ErrRetriesExhausted is returned after max_retries transient failures
	ErrRetriesExhausted = errors.New("order placement retries exhausted")

	// ErrGroupNotFound is returned for an unknown OCO group
	ErrGroupNotFound = errors.New("oco group not found")

	// ErrGroupClosed is returned when legs are requested for a closed group
	ErrGroupClosed = errors.New("oco group already closed")
)

// RejectedError reports a broker rejection of an order
type RejectedError struct {
	ClientOrderID string
	Tag           contracts.OrderTag
	Reason        string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("order %s (%s) rejected: %s", e.ClientOrderID, e.Tag, e.Reason)
}

// UnprotectedError reports a filled position whose protective legs could not
// all be placed. It is safety-critical: the caller must flatten the position.
type UnprotectedError struct {
	GroupID  string
	Leg      contracts.OrderTag
	Quantity int
	Err      error
}

func (e *UnprotectedError) Error() string {
	return fmt.Sprintf("group %s unprotected: %s leg for %d failed: %v", e.GroupID, e.Leg, e.Quantity, e.Err)
}

func (e *UnprotectedError) Unwrap() error {
	return e.Err
}
