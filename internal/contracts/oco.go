package contracts

import "time"

// GroupState is the OCO group lifecycle
type GroupState string

const (
	GroupStatePending GroupState = "PENDING" // entry not filled yet, children built only
	GroupStateArmed   GroupState = "ARMED"   // children submitted
	GroupStateClosed  GroupState = "CLOSED"  // a terminal child filled or group-wide cancel
)

// OCOGroup links an entry order with its protective children
// ⭐ SSOT: 진입 주문 + 보호 주문(STOP/TP1/TP2) 묶음
type OCOGroup struct {
	GroupID         string     `json:"group_id"`
	EntryOrderID    string     `json:"entry_order_id"`
	PositionID      string     `json:"position_id,omitempty"`
	Exchange        string     `json:"exchange"`
	Symbol          string     `json:"symbol"`
	InstrumentToken int64      `json:"instrument_token"`
	EntrySide       OrderSide  `json:"entry_side"`
	Product         Product    `json:"product"`
	StrategyName    string     `json:"strategy_name"`
	LotSize         int        `json:"lot_size"`
	Fingerprint     string     `json:"fingerprint"`
	StopPrice       float64    `json:"stop_price"`
	TP1Price        float64    `json:"tp1_price"` // 0 = no TP1
	TP2Price        float64    `json:"tp2_price"` // 0 = no TP2
	Quantity        int        `json:"quantity"`  // quantity covered by the legs
	StopGeneration  int        `json:"stop_generation"`
	StopOrderID     string     `json:"stop_order_id"`
	TP1OrderID      string     `json:"tp1_order_id,omitempty"`
	TP2OrderID      string     `json:"tp2_order_id,omitempty"`
	TP1Done         bool       `json:"tp1_done"`
	State           GroupState `json:"state"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// HasTP1 reports whether a first target is configured
func (g *OCOGroup) HasTP1() bool {
	return g.TP1Price > 0
}

// HasTP2 reports whether a second target is configured
func (g *OCOGroup) HasTP2() bool {
	return g.TP2Price > 0
}

// ChildIDs returns the ids of the current generation of children
func (g *OCOGroup) ChildIDs() []string {
	ids := make([]string, 0, 3)
	for _, id := range []string{g.StopOrderID, g.TP1OrderID, g.TP2OrderID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsClosed reports whether the group no longer protects anything
func (g *OCOGroup) IsClosed() bool {
	return g.State == GroupStateClosed
}

// Clone returns a copy
func (g *OCOGroup) Clone() *OCOGroup {
	if g == nil {
		return nil
	}
	c := *g
	return &c
}
