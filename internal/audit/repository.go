package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/aegis/intraday/internal/contracts"
)

// Repository handles audit data persistence
// ⭐ SSOT: Audit 데이터 저장/조회는 여기서만
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new audit repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RecordAudit appends one control-plane event (implements contracts.AuditSink)
func (r *Repository) RecordAudit(ctx context.Context, ev *contracts.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}

	query := `
		INSERT INTO trading.audit_events (id, type, instance_id, message, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, query,
		ev.ID, string(ev.Type), ev.InstanceID, ev.Message, details, ev.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to save audit event: %w", err)
	}
	return nil
}

// Recent returns the newest audit events first
func (r *Repository) Recent(ctx context.Context, limit int) ([]*contracts.AuditEvent, error) {
	query := `
		SELECT id, type, instance_id, message, details, created_at
		FROM trading.audit_events
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []*contracts.AuditEvent
	for rows.Next() {
		var (
			ev      contracts.AuditEvent
			typ     string
			details []byte
		)
		if err := rows.Scan(&ev.ID, &typ, &ev.InstanceID, &ev.Message, &details, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		ev.Type = contracts.AuditEventType(typ)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &ev.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// TradesBetween returns ledger lines executed in [from, to)
func (r *Repository) TradesBetween(ctx context.Context, from, to time.Time) ([]*contracts.TradeRecord, error) {
	query := `
		SELECT id, position_id, order_id, symbol, side, tag, quantity, price, fees, realized_pnl, executed_at
		FROM trading.trades
		WHERE executed_at >= $1 AND executed_at < $2
		ORDER BY executed_at
	`
	rows, err := r.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []*contracts.TradeRecord
	for rows.Next() {
		var (
			t         contracts.TradeRecord
			side, tag string
		)
		if err := rows.Scan(&t.ID, &t.PositionID, &t.OrderID, &t.Symbol, &side, &tag,
			&t.Quantity, &t.Price, &t.Fees, &t.RealizedPnL, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Side = contracts.OrderSide(side)
		t.Tag = contracts.OrderTag(tag)
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}
