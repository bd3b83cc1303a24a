package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/aegis/intraday/internal/contracts"
	"github.com/wonny/aegis/intraday/pkg/database"
)

// querier is what pgxpool.Pool and pgx.Tx have in common
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository persists trading state in PostgreSQL (schema trading.*)
// ⭐ SSOT: 주문/OCO/포지션/체결 저장은 여기서만
type PGRepository struct {
	pgStore
	pool *pgxpool.Pool
}

// NewPGRepository creates a repository on pool
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pgStore: pgStore{q: pool}, pool: pool}
}

// InTx runs fn in one transaction holding a transaction-scoped advisory lock
// on lockKey; a second caller with the same key blocks until commit
func (r *PGRepository) InTx(ctx context.Context, lockKey string, fn func(ctx context.Context, tx contracts.TradingStore) error) error {
	return database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
			return fmt.Errorf("failed to take advisory lock %s: %w", lockKey, err)
		}
		return fn(ctx, &pgStore{q: tx})
	})
}

// pgStore implements contracts.TradingStore over a pool or a transaction
type pgStore struct {
	q querier
}

// =============================================================================
// Orders
// =============================================================================

const orderColumns = `
	client_order_id, COALESCE(broker_order_id, ''), exchange, symbol, instrument_token,
	side, quantity, order_type, price, trigger_price, product, status,
	filled_quantity, average_price, tag, COALESCE(parent_group, ''), COALESCE(position_id, ''),
	COALESCE(strategy_name, ''), COALESCE(status_message, ''), created_at, updated_at, filled_at`

// SaveOrder upserts an order
func (s *pgStore) SaveOrder(ctx context.Context, o *contracts.Order) error {
	query := `
		INSERT INTO trading.orders (
			client_order_id, broker_order_id, exchange, symbol, instrument_token,
			side, quantity, order_type, price, trigger_price, product, status,
			filled_quantity, average_price, tag, parent_group, position_id,
			strategy_name, status_message, created_at, updated_at, filled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (client_order_id) DO UPDATE SET
			broker_order_id = EXCLUDED.broker_order_id,
			status          = EXCLUDED.status,
			filled_quantity = EXCLUDED.filled_quantity,
			average_price   = EXCLUDED.average_price,
			position_id     = EXCLUDED.position_id,
			status_message  = EXCLUDED.status_message,
			updated_at      = EXCLUDED.updated_at,
			filled_at       = EXCLUDED.filled_at
	`

	created := o.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	updated := o.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	_, err := s.q.Exec(ctx, query,
		o.ClientOrderID, nullString(o.BrokerOrderID), o.Exchange, o.Symbol, o.InstrumentToken,
		o.Side, o.Quantity, o.OrderType, o.Price, o.TriggerPrice, o.Product, o.Status,
		o.FilledQuantity, o.AveragePrice, o.Tag, nullString(o.ParentGroup), nullString(o.PositionID),
		nullString(o.StrategyName), nullString(o.StatusMessage), created, updated, nullTime(o.FilledAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

// GetOrder returns contracts.ErrNotFound for an unknown id
func (s *pgStore) GetOrder(ctx context.Context, clientOrderID string) (*contracts.Order, error) {
	row := s.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM trading.orders WHERE client_order_id = $1`, clientOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", clientOrderID, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// ListActiveOrders returns every non-terminal order
func (s *pgStore) ListActiveOrders(ctx context.Context) ([]*contracts.Order, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+orderColumns+`
		FROM trading.orders
		WHERE status IN ('PENDING', 'PLACED', 'PARTIAL')
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active orders: %w", err)
	}
	defer rows.Close()

	orders := make([]*contracts.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return orders, nil
}

func scanOrder(row pgx.Row) (*contracts.Order, error) {
	var (
		o        contracts.Order
		filledAt *time.Time
	)
	err := row.Scan(
		&o.ClientOrderID, &o.BrokerOrderID, &o.Exchange, &o.Symbol, &o.InstrumentToken,
		&o.Side, &o.Quantity, &o.OrderType, &o.Price, &o.TriggerPrice, &o.Product, &o.Status,
		&o.FilledQuantity, &o.AveragePrice, &o.Tag, &o.ParentGroup, &o.PositionID,
		&o.StrategyName, &o.StatusMessage, &o.CreatedAt, &o.UpdatedAt, &filledAt,
	)
	if err != nil {
		return nil, err
	}
	if filledAt != nil {
		o.FilledAt = *filledAt
	}
	return &o, nil
}

// =============================================================================
// OCO groups
// =============================================================================

const groupColumns = `
	group_id, entry_order_id, COALESCE(position_id, ''), exchange, symbol, instrument_token,
	entry_side, product, COALESCE(strategy_name, ''), lot_size, fingerprint,
	stop_price, tp1_price, tp2_price, quantity, stop_generation,
	stop_order_id, COALESCE(tp1_order_id, ''), COALESCE(tp2_order_id, ''), tp1_done, state,
	created_at, updated_at`

// SaveGroup upserts an OCO group
func (s *pgStore) SaveGroup(ctx context.Context, g *contracts.OCOGroup) error {
	query := `
		INSERT INTO trading.oco_groups (
			group_id, entry_order_id, position_id, exchange, symbol, instrument_token,
			entry_side, product, strategy_name, lot_size, fingerprint,
			stop_price, tp1_price, tp2_price, quantity, stop_generation,
			stop_order_id, tp1_order_id, tp2_order_id, tp1_done, state,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		ON CONFLICT (group_id) DO UPDATE SET
			position_id     = EXCLUDED.position_id,
			stop_price      = EXCLUDED.stop_price,
			quantity        = EXCLUDED.quantity,
			stop_generation = EXCLUDED.stop_generation,
			stop_order_id   = EXCLUDED.stop_order_id,
			tp1_order_id    = EXCLUDED.tp1_order_id,
			tp2_order_id    = EXCLUDED.tp2_order_id,
			tp1_done        = EXCLUDED.tp1_done,
			state           = EXCLUDED.state,
			updated_at      = EXCLUDED.updated_at
	`
	_, err := s.q.Exec(ctx, query,
		g.GroupID, g.EntryOrderID, nullString(g.PositionID), g.Exchange, g.Symbol, g.InstrumentToken,
		g.EntrySide, g.Product, nullString(g.StrategyName), g.LotSize, g.Fingerprint,
		g.StopPrice, g.TP1Price, g.TP2Price, g.Quantity, g.StopGeneration,
		g.StopOrderID, nullString(g.TP1OrderID), nullString(g.TP2OrderID), g.TP1Done, g.State,
		g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save oco group %s: %w", g.GroupID, err)
	}
	return nil
}

// GetGroup returns contracts.ErrNotFound for an unknown id
func (s *pgStore) GetGroup(ctx context.Context, groupID string) (*contracts.OCOGroup, error) {
	row := s.q.QueryRow(ctx, `SELECT `+groupColumns+` FROM trading.oco_groups WHERE group_id = $1`, groupID)
	g, err := scanGroup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("group %s: %w", groupID, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oco group: %w", err)
	}
	return g, nil
}

// ListOpenGroups returns groups not yet CLOSED
func (s *pgStore) ListOpenGroups(ctx context.Context) ([]*contracts.OCOGroup, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+groupColumns+`
		FROM trading.oco_groups
		WHERE state <> 'CLOSED'
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open groups: %w", err)
	}
	defer rows.Close()

	groups := make([]*contracts.OCOGroup, 0)
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan oco group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func scanGroup(row pgx.Row) (*contracts.OCOGroup, error) {
	var g contracts.OCOGroup
	err := row.Scan(
		&g.GroupID, &g.EntryOrderID, &g.PositionID, &g.Exchange, &g.Symbol, &g.InstrumentToken,
		&g.EntrySide, &g.Product, &g.StrategyName, &g.LotSize, &g.Fingerprint,
		&g.StopPrice, &g.TP1Price, &g.TP2Price, &g.Quantity, &g.StopGeneration,
		&g.StopOrderID, &g.TP1OrderID, &g.TP2OrderID, &g.TP1Done, &g.State,
		&g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// =============================================================================
// Positions
// =============================================================================

const positionColumns = `
	position_id, exchange, symbol, instrument_token, class, product, lot_size, side,
	quantity, initial_quantity, entry_price, current_price, stop_loss, trailing_stop,
	take_profit_1, take_profit_2, risk_amount, realized_pnl, unrealized_pnl, max_adverse, fees,
	status, COALESCE(strategy_name, ''), entry_order_id, COALESCE(exit_order_id, ''),
	COALESCE(group_id, ''), COALESCE(exit_reason, ''), opened_at, closed_at, updated_at`

// SavePosition upserts a position
func (s *pgStore) SavePosition(ctx context.Context, p *contracts.Position) error {
	query := `
		INSERT INTO trading.positions (
			position_id, exchange, symbol, instrument_token, class, product, lot_size, side,
			quantity, initial_quantity, entry_price, current_price, stop_loss, trailing_stop,
			take_profit_1, take_profit_2, risk_amount, realized_pnl, unrealized_pnl, max_adverse, fees,
			status, strategy_name, entry_order_id, exit_order_id, group_id, exit_reason,
			opened_at, closed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		          $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)
		ON CONFLICT (position_id) DO UPDATE SET
			quantity       = EXCLUDED.quantity,
			initial_quantity = EXCLUDED.initial_quantity,
			entry_price    = EXCLUDED.entry_price,
			current_price  = EXCLUDED.current_price,
			stop_loss      = EXCLUDED.stop_loss,
			trailing_stop  = EXCLUDED.trailing_stop,
			risk_amount    = EXCLUDED.risk_amount,
			realized_pnl   = EXCLUDED.realized_pnl,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			max_adverse    = EXCLUDED.max_adverse,
			fees           = EXCLUDED.fees,
			status         = EXCLUDED.status,
			exit_order_id  = EXCLUDED.exit_order_id,
			exit_reason    = EXCLUDED.exit_reason,
			closed_at      = EXCLUDED.closed_at,
			updated_at     = EXCLUDED.updated_at
	`
	_, err := s.q.Exec(ctx, query,
		p.PositionID, p.Exchange, p.Symbol, p.InstrumentToken, p.Class, p.Product, p.LotSize, p.Side,
		p.Quantity, p.InitialQuantity, p.EntryPrice, p.CurrentPrice, p.StopLoss, p.TrailingStop,
		p.TakeProfit1, p.TakeProfit2, p.RiskAmount, p.RealizedPnL, p.UnrealizedPnL, p.MaxAdverse, p.Fees,
		p.Status, nullString(p.StrategyName), p.EntryOrderID, nullString(p.ExitOrderID),
		nullString(p.GroupID), nullString(string(p.ExitReason)),
		p.OpenedAt, nullTime(p.ClosedAt), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save position %s: %w", p.PositionID, err)
	}
	return nil
}

// GetPositionByEntryOrder returns contracts.ErrNotFound when none exists
func (s *pgStore) GetPositionByEntryOrder(ctx context.Context, entryOrderID string) (*contracts.Position, error) {
	row := s.q.QueryRow(ctx, `SELECT `+positionColumns+` FROM trading.positions WHERE entry_order_id = $1`, entryOrderID)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position for %s: %w", entryOrderID, contracts.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return p, nil
}

// ListOpenPositions returns positions with status OPEN
func (s *pgStore) ListOpenPositions(ctx context.Context) ([]*contracts.Position, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+positionColumns+`
		FROM trading.positions
		WHERE status = 'OPEN'
		ORDER BY opened_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w", err)
	}
	defer rows.Close()

	positions := make([]*contracts.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func scanPosition(row pgx.Row) (*contracts.Position, error) {
	var (
		p        contracts.Position
		reason   string
		closedAt *time.Time
	)
	err := row.Scan(
		&p.PositionID, &p.Exchange, &p.Symbol, &p.InstrumentToken, &p.Class, &p.Product, &p.LotSize, &p.Side,
		&p.Quantity, &p.InitialQuantity, &p.EntryPrice, &p.CurrentPrice, &p.StopLoss, &p.TrailingStop,
		&p.TakeProfit1, &p.TakeProfit2, &p.RiskAmount, &p.RealizedPnL, &p.UnrealizedPnL, &p.MaxAdverse, &p.Fees,
		&p.Status, &p.StrategyName, &p.EntryOrderID, &p.ExitOrderID,
		&p.GroupID, &reason, &p.OpenedAt, &closedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.ExitReason = contracts.ExitReason(reason)
	if closedAt != nil {
		p.ClosedAt = *closedAt
	}
	return &p, nil
}

// =============================================================================
// Ledger / risk events / heartbeat
// =============================================================================

// AppendTrade inserts a ledger line; replays of the same id are ignored
func (s *pgStore) AppendTrade(ctx context.Context, t *contracts.TradeRecord) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO trading.trades (
			id, position_id, order_id, symbol, side, tag, quantity, price, fees, realized_pnl, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.PositionID, t.OrderID, t.Symbol, t.Side, t.Tag, t.Quantity, t.Price, t.Fees, t.RealizedPnL, t.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append trade: %w", err)
	}
	return nil
}

// RealizedPnLSince sums realized PnL of trades executed at or after since
func (s *pgStore) RealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	var pnl float64
	err := s.q.QueryRow(ctx,
		`SELECT COALESCE(SUM(realized_pnl), 0) FROM trading.trades WHERE executed_at >= $1`, since,
	).Scan(&pnl)
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	return pnl, nil
}

// SaveRiskEvent records a risk event
func (s *pgStore) SaveRiskEvent(ctx context.Context, ev *contracts.RiskEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO trading.risk_events (id, severity, kind, group_id, position_id, order_id, symbol, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Severity, ev.Kind, nullString(ev.GroupID), nullString(ev.PositionID),
		nullString(ev.OrderID), nullString(ev.Symbol), ev.Message, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save risk event: %w", err)
	}
	return nil
}

// RecordHeartbeat upserts the liveness timestamp of an instance
func (s *pgStore) RecordHeartbeat(ctx context.Context, instanceID string, at time.Time) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO trading.heartbeats (instance_id, beat_at) VALUES ($1, $2)
		ON CONFLICT (instance_id) DO UPDATE SET beat_at = EXCLUDED.beat_at`,
		instanceID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
