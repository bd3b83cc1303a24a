package contracts

import (
	"context"
	"time"
)

// ⭐ SSOT: Repository 인터페이스 정의는 여기서만

// TradingStore persists orders, OCO links, positions and the trade ledger
type TradingStore interface {
	SaveOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, clientOrderID string) (*Order, error)
	ListActiveOrders(ctx context.Context) ([]*Order, error)

	SaveGroup(ctx context.Context, group *OCOGroup) error
	GetGroup(ctx context.Context, groupID string) (*OCOGroup, error)
	ListOpenGroups(ctx context.Context) ([]*OCOGroup, error)

	SavePosition(ctx context.Context, position *Position) error
	GetPositionByEntryOrder(ctx context.Context, entryOrderID string) (*Position, error)
	ListOpenPositions(ctx context.Context) ([]*Position, error)

	AppendTrade(ctx context.Context, trade *TradeRecord) error
	RealizedPnLSince(ctx context.Context, since time.Time) (float64, error)

	SaveRiskEvent(ctx context.Context, event *RiskEvent) error
	RecordHeartbeat(ctx context.Context, instanceID string, at time.Time) error
}

// TradingRepository adds scoped sessions to TradingStore.
// InTx runs fn inside one transaction holding an exclusive lock on lockKey
// until commit, so read-then-write sections (single-flight checks) cannot
// interleave across reconciliation passes or processes.
type TradingRepository interface {
	TradingStore
	InTx(ctx context.Context, lockKey string, fn func(ctx context.Context, tx TradingStore) error) error
}

// AuditSink records control-plane audit events
type AuditSink interface {
	RecordAudit(ctx context.Context, event *AuditEvent) error
}
