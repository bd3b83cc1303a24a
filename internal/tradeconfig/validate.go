package tradeconfig

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ValidationError 검증 실패 (프로그램 중단)
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var hhmm = regexp.MustCompile(`^\d{2}:\d{2}$`)

// Validate checks all required constraints
// 실패 시 error 반환 (프로그램 중단)
func Validate(cfg *Config) error {
	// === Meta ===
	if cfg.Meta.ConfigID == "" {
		return ValidationError{"meta.config_id", "required"}
	}
	if _, err := time.LoadLocation(cfg.Meta.Timezone); err != nil {
		return ValidationError{"meta.timezone", err.Error()}
	}

	// === Execution ===
	ex := cfg.Execution
	if ex.MaxRetries < 1 {
		return ValidationError{"execution.max_retries", "must be >= 1"}
	}
	if ex.BackoffMS < 0 {
		return ValidationError{"execution.backoff_ms", "must be >= 0"}
	}
	if ex.MaxOrdersPerSecond < 1 {
		return ValidationError{"execution.max_orders_per_second", "must be >= 1"}
	}
	if ex.FillTimeoutSeconds < 1 {
		return ValidationError{"execution.fill_timeout_seconds", "must be >= 1"}
	}
	if ex.FillPollMS < 1 {
		return ValidationError{"execution.fill_poll_ms", "must be >= 1"}
	}
	if ex.BrokerTimeoutSeconds < 1 {
		return ValidationError{"execution.broker_timeout_seconds", "must be >= 1"}
	}
	switch ex.DefaultProduct {
	case "MIS", "NRML", "CNC":
	default:
		return ValidationError{"execution.default_product", "must be MIS, NRML or CNC"}
	}

	// === OCO ===
	if cfg.OCO.TP1Fraction <= 0 || cfg.OCO.TP1Fraction > 1 {
		return ValidationError{"oco.tp1_fraction", "must be in (0, 1]"}
	}

	// === Risk ===
	r := cfg.Risk
	if err := validatePct(r.PerTradeRiskPct, "risk.per_trade_risk_pct"); err != nil {
		return err
	}
	if err := validatePct(r.MaxHeatPct, "risk.max_heat_pct"); err != nil {
		return err
	}
	if err := validatePct(r.DailyLossLimitPct, "risk.daily_loss_limit_pct"); err != nil {
		return err
	}
	if r.PerTradeRiskPct > r.MaxHeatPct {
		return ValidationError{"risk.per_trade_risk_pct", "must not exceed max_heat_pct"}
	}
	if r.MaxPositionMultiplier < 1 {
		return ValidationError{"risk.max_position_multiplier", "must be >= 1"}
	}
	if err := validatePct(r.FuturesMarginPct, "risk.futures_margin_pct"); err != nil {
		return err
	}
	if r.ShortOptionMarginMultiplier < 1 {
		return ValidationError{"risk.short_option_margin_multiplier", "must be >= 1"}
	}

	// === Exit ===
	if cfg.Exit.TrailingEnabled && cfg.Exit.TrailATRMultiplier <= 0 {
		return ValidationError{"exit.trail_atr_multiplier", "must be > 0 when trailing is enabled"}
	}
	if cfg.Exit.TimeStopMinutes < 0 {
		return ValidationError{"exit.time_stop_minutes", "must be >= 0"}
	}
	if cfg.Exit.VolatilitySpikeMultiplier != 0 && cfg.Exit.VolatilitySpikeMultiplier <= 1 {
		return ValidationError{"exit.volatility_spike_multiplier", "must be > 1 (0 disables)"}
	}
	if cfg.Exit.ATRPeriod < 1 {
		return ValidationError{"exit.atr_period", "must be >= 1"}
	}
	if err := validateHHMM(cfg.Exit.EODCutoff); err != nil {
		return ValidationError{"exit.eod_cutoff", err.Error()}
	}

	// === Orchestrator ===
	o := cfg.Orchestrator
	if o.ScanIntervalSeconds < 1 {
		return ValidationError{"orchestrator.scan_interval_seconds", "must be >= 1"}
	}
	if o.WatcherIntervalSeconds < 1 {
		return ValidationError{"orchestrator.watcher_interval_seconds", "must be >= 1"}
	}
	if o.MinSleepMS < 0 || time.Duration(o.MinSleepMS)*time.Millisecond > o.ScanInterval() {
		return ValidationError{"orchestrator.min_sleep_ms", "must be within the scan interval"}
	}
	if err := validateHHMM(o.MarketOpen); err != nil {
		return ValidationError{"orchestrator.market_open", err.Error()}
	}
	if err := validateHHMM(o.MarketClose); err != nil {
		return ValidationError{"orchestrator.market_close", err.Error()}
	}
	open, _ := time.Parse("15:04", o.MarketOpen)
	closeAt, _ := time.Parse("15:04", o.MarketClose)
	eod, _ := time.Parse("15:04", cfg.Exit.EODCutoff)
	if !open.Before(closeAt) {
		return ValidationError{"orchestrator.market_open", "must be before market_close"}
	}
	if eod.Before(open) || eod.After(closeAt) {
		return ValidationError{"exit.eod_cutoff", "must be inside market hours"}
	}

	return nil
}

func validateHHMM(s string) error {
	if !hhmm.MatchString(s) {
		return errors.New("must be HH:MM format")
	}
	_, err := time.Parse("15:04", s)
	return err
}

func validatePct(pct float64, field string) error {
	if pct <= 0 || pct > 100 {
		return ValidationError{field, "must be in (0, 100]"}
	}
	return nil
}
