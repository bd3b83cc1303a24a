package tradeconfig

import "time"

// Config is the full set of trading parameters for one deployment
// ⭐ SSOT: 실행/리스크/청산 파라미터는 여기서만
type Config struct {
	Meta         Meta         `yaml:"meta" json:"meta"`
	Execution    Execution    `yaml:"execution" json:"execution"`
	OCO          OCO          `yaml:"oco" json:"oco"`
	Risk         Risk         `yaml:"risk" json:"risk"`
	Fees         Fees         `yaml:"fees" json:"fees"`
	Exit         Exit         `yaml:"exit" json:"exit"`
	Orchestrator Orchestrator `yaml:"orchestrator" json:"orchestrator"`
}

// Meta 메타 정보
type Meta struct {
	ConfigID string `yaml:"config_id" json:"config_id"`
	Version  string `yaml:"version" json:"version"`
	Timezone string `yaml:"timezone" json:"timezone"`
}

// Execution order placement policy
type Execution struct {
	MaxRetries           int    `yaml:"max_retries" json:"max_retries"`
	BackoffMS            int    `yaml:"backoff_ms" json:"backoff_ms"`
	MaxOrdersPerSecond   int    `yaml:"max_orders_per_second" json:"max_orders_per_second"` // exchange TOPS cap
	MinOrderSpacingMS    int    `yaml:"min_order_spacing_ms" json:"min_order_spacing_ms"`
	FillTimeoutSeconds   int    `yaml:"fill_timeout_seconds" json:"fill_timeout_seconds"`
	FillPollMS           int    `yaml:"fill_poll_ms" json:"fill_poll_ms"`
	BrokerTimeoutSeconds int    `yaml:"broker_timeout_seconds" json:"broker_timeout_seconds"`
	DefaultExchange      string `yaml:"default_exchange" json:"default_exchange"`
	DefaultProduct       string `yaml:"default_product" json:"default_product"`
	PriceDecimals        int    `yaml:"price_decimals" json:"price_decimals"` // rounding for client ids
}

// OCO protective leg policy
type OCO struct {
	TP1Fraction    float64 `yaml:"tp1_fraction" json:"tp1_fraction"`         // share of quantity on TP1 when TP2 exists
	BreakevenOnTP1 bool    `yaml:"breakeven_on_tp1" json:"breakeven_on_tp1"` // re-arm stop at entry after TP1
}

// Risk position sizing and portfolio gates (percentages are 0~100)
type Risk struct {
	PerTradeRiskPct             float64 `yaml:"per_trade_risk_pct" json:"per_trade_risk_pct"`
	MaxHeatPct                  float64 `yaml:"max_heat_pct" json:"max_heat_pct"`
	DailyLossLimitPct           float64 `yaml:"daily_loss_limit_pct" json:"daily_loss_limit_pct"`
	MaxPositionMultiplier       int     `yaml:"max_position_multiplier" json:"max_position_multiplier"` // lots
	MaxOpenPositions            int     `yaml:"max_open_positions" json:"max_open_positions"`
	FuturesMarginPct            float64 `yaml:"futures_margin_pct" json:"futures_margin_pct"`
	ShortOptionMarginMultiplier float64 `yaml:"short_option_margin_multiplier" json:"short_option_margin_multiplier"`
}

// Fees per instrument class
type Fees struct {
	Equity  FeeSchedule `yaml:"equity" json:"equity"`
	Futures FeeSchedule `yaml:"futures" json:"futures"`
	Options FeeSchedule `yaml:"options" json:"options"`
}

// FeeSchedule percentage-of-turnover charges (percent values)
type FeeSchedule struct {
	BrokeragePct    float64 `yaml:"brokerage_pct" json:"brokerage_pct"`
	BrokerageCap    float64 `yaml:"brokerage_cap" json:"brokerage_cap"` // per order
	ExchangeTxnPct  float64 `yaml:"exchange_txn_pct" json:"exchange_txn_pct"`
	STTBuyPct       float64 `yaml:"stt_buy_pct" json:"stt_buy_pct"`
	STTSellPct      float64 `yaml:"stt_sell_pct" json:"stt_sell_pct"`
	StampDutyBuyPct float64 `yaml:"stamp_duty_buy_pct" json:"stamp_duty_buy_pct"`
	SEBIPerCrore    float64 `yaml:"sebi_per_crore" json:"sebi_per_crore"`
	GSTPct          float64 `yaml:"gst_pct" json:"gst_pct"`
}

// Exit per-position exit rules
type Exit struct {
	TrailingEnabled           bool    `yaml:"trailing_enabled" json:"trailing_enabled"`
	TrailATRMultiplier        float64 `yaml:"trail_atr_multiplier" json:"trail_atr_multiplier"`
	TimeStopMinutes           int     `yaml:"time_stop_minutes" json:"time_stop_minutes"` // 0 = off
	VolatilitySpikeMultiplier float64 `yaml:"volatility_spike_multiplier" json:"volatility_spike_multiplier"`
	MAEStopPct                float64 `yaml:"mae_stop_pct" json:"mae_stop_pct"` // of net liquid
	EODCutoff                 string  `yaml:"eod_cutoff" json:"eod_cutoff"`     // HH:MM exchange time
	ATRPeriod                 int     `yaml:"atr_period" json:"atr_period"`
}

// Orchestrator loop cadences and schedules
type Orchestrator struct {
	ScanIntervalSeconds    int    `yaml:"scan_interval_seconds" json:"scan_interval_seconds"`
	MinSleepMS             int    `yaml:"min_sleep_ms" json:"min_sleep_ms"`
	ErrorBackoffMS         int    `yaml:"error_backoff_ms" json:"error_backoff_ms"`
	SupervisorRestartMS    int    `yaml:"supervisor_restart_ms" json:"supervisor_restart_ms"`
	WatcherIntervalSeconds int    `yaml:"watcher_interval_seconds" json:"watcher_interval_seconds"`
	MaxSignalsPerCycle     int    `yaml:"max_signals_per_cycle" json:"max_signals_per_cycle"`
	MarketOpen             string `yaml:"market_open" json:"market_open"`   // HH:MM
	MarketClose            string `yaml:"market_close" json:"market_close"` // HH:MM
	DayStartCron           string `yaml:"day_start_cron" json:"day_start_cron"`
	EODSquareOffCron       string `yaml:"eod_square_off_cron" json:"eod_square_off_cron"`
}

// Default returns the built-in parameters (NSE intraday, MIS)
func Default() *Config {
	return &Config{
		Meta: Meta{
			ConfigID: "nse_intraday",
			Version:  "1",
			Timezone: "Asia/Kolkata",
		},
		Execution: Execution{
			MaxRetries:           3,
			BackoffMS:            200,
			MaxOrdersPerSecond:   8,
			MinOrderSpacingMS:    50,
			FillTimeoutSeconds:   30,
			FillPollMS:           250,
			BrokerTimeoutSeconds: 5,
			DefaultExchange:      "NFO",
			DefaultProduct:       "MIS",
			PriceDecimals:        2,
		},
		OCO: OCO{
			TP1Fraction:    0.5,
			BreakevenOnTP1: true,
		},
		Risk: Risk{
			PerTradeRiskPct:             0.5,
			MaxHeatPct:                  5,
			DailyLossLimitPct:           2,
			MaxPositionMultiplier:       10,
			MaxOpenPositions:            5,
			FuturesMarginPct:            25,
			ShortOptionMarginMultiplier: 10,
		},
		Fees: Fees{
			Equity: FeeSchedule{
				BrokeragePct: 0.03, BrokerageCap: 20,
				ExchangeTxnPct:  0.00297,
				STTSellPct:      0.025,
				StampDutyBuyPct: 0.003,
				SEBIPerCrore:    10,
				GSTPct:          18,
			},
			Futures: FeeSchedule{
				BrokeragePct: 0.03, BrokerageCap: 20,
				ExchangeTxnPct:  0.00173,
				STTSellPct:      0.02,
				StampDutyBuyPct: 0.002,
				SEBIPerCrore:    10,
				GSTPct:          18,
			},
			Options: FeeSchedule{
				BrokerageCap:    20,
				ExchangeTxnPct:  0.03503,
				STTSellPct:      0.1,
				StampDutyBuyPct: 0.003,
				SEBIPerCrore:    10,
				GSTPct:          18,
			},
		},
		Exit: Exit{
			TrailingEnabled:           true,
			TrailATRMultiplier:        2.0,
			TimeStopMinutes:           45,
			VolatilitySpikeMultiplier: 2.5,
			MAEStopPct:                1.0,
			EODCutoff:                 "15:15",
			ATRPeriod:                 14,
		},
		Orchestrator: Orchestrator{
			ScanIntervalSeconds:    5,
			MinSleepMS:             500,
			ErrorBackoffMS:         1000,
			SupervisorRestartMS:    2000,
			WatcherIntervalSeconds: 2,
			MaxSignalsPerCycle:     5,
			MarketOpen:             "09:15",
			MarketClose:            "15:30",
			DayStartCron:           "0 10 9 * * 1-5",
			EODSquareOffCron:       "0 20 15 * * 1-5",
		},
	}
}

// Duration helpers

func (e Execution) Backoff() time.Duration { return time.Duration(e.BackoffMS) * time.Millisecond }
func (e Execution) MinSpacing() time.Duration {
	return time.Duration(e.MinOrderSpacingMS) * time.Millisecond
}
func (e Execution) FillTimeout() time.Duration {
	return time.Duration(e.FillTimeoutSeconds) * time.Second
}
func (e Execution) FillPoll() time.Duration { return time.Duration(e.FillPollMS) * time.Millisecond }
func (e Execution) BrokerTimeout() time.Duration {
	return time.Duration(e.BrokerTimeoutSeconds) * time.Second
}

func (o Orchestrator) ScanInterval() time.Duration {
	return time.Duration(o.ScanIntervalSeconds) * time.Second
}
func (o Orchestrator) MinSleep() time.Duration { return time.Duration(o.MinSleepMS) * time.Millisecond }
func (o Orchestrator) ErrorBackoff() time.Duration {
	return time.Duration(o.ErrorBackoffMS) * time.Millisecond
}
func (o Orchestrator) SupervisorRestart() time.Duration {
	return time.Duration(o.SupervisorRestartMS) * time.Millisecond
}
func (o Orchestrator) WatcherInterval() time.Duration {
	return time.Duration(o.WatcherIntervalSeconds) * time.Second
}

// Location returns the exchange timezone (UTC when unknown)
func (m Meta) Location() *time.Location {
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
