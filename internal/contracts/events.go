package contracts

import "time"

// StatusChange is published whenever the watcher reconciles a change
type StatusChange struct {
	Order     Order       `json:"order"`
	From      OrderStatus `json:"from"`
	To        OrderStatus `json:"to"`
	ChangedAt time.Time   `json:"changed_at"`
}

// AuditEventType classifies control-plane events
type AuditEventType string

const (
	AuditLeadershipChange AuditEventType = "LEADERSHIP_CHANGE"
	AuditKillSwitch       AuditEventType = "KILL_SWITCH"
	AuditPause            AuditEventType = "PAUSE"
	AuditResume           AuditEventType = "RESUME"
	AuditModeChange       AuditEventType = "MODE_CHANGE"
	AuditRecovery         AuditEventType = "RECOVERY"
	AuditEmergencyClose   AuditEventType = "EMERGENCY_CLOSE"
)

// AuditEvent is an append-only control-plane record
type AuditEvent struct {
	ID         string                 `json:"id"`
	Type       AuditEventType         `json:"type"`
	InstanceID string                 `json:"instance_id"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// RiskSeverity grades risk events
type RiskSeverity string

const (
	RiskSeverityInfo     RiskSeverity = "INFO"
	RiskSeverityWarning  RiskSeverity = "WARNING"
	RiskSeverityCritical RiskSeverity = "CRITICAL"
)

// RiskEvent records a condition that needs operator attention
type RiskEvent struct {
	ID         string       `json:"id"`
	Severity   RiskSeverity `json:"severity"`
	Kind       string       `json:"kind"` // LEG_FAILED, CHILD_REJECTED, ...
	GroupID    string       `json:"group_id,omitempty"`
	PositionID string       `json:"position_id,omitempty"`
	OrderID    string       `json:"order_id,omitempty"`
	Symbol     string       `json:"symbol,omitempty"`
	Message    string       `json:"message"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Risk event kinds
const (
	RiskKindLegFailed       = "LEG_FAILED"
	RiskKindChildRejected   = "CHILD_REJECTED"
	RiskKindCancelFailed    = "CANCEL_FAILED"
	RiskKindEmergencyClose  = "EMERGENCY_CLOSE"
	RiskKindDailyLossBreach = "DAILY_LOSS_BREACH"
)

// TradeRecord is one ledger line for a fill that changed a position
type TradeRecord struct {
	ID          string    `json:"id"`
	PositionID  string    `json:"position_id"`
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Side        OrderSide `json:"side"`
	Tag         OrderTag  `json:"tag"`
	Quantity    int       `json:"quantity"`
	Price       float64   `json:"price"`
	Fees        float64   `json:"fees"`
	RealizedPnL float64   `json:"realized_pnl"` // net of fees, 0 for entries
	ExecutedAt  time.Time `json:"executed_at"`
}
