package leader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wonny/aegis/intraday/pkg/logger"
)

// ErrLeaseHeld is returned by Start when another instance holds the lease
var ErrLeaseHeld = errors.New("leader lease held by another instance")

// Hooks are invoked on leadership edges. Both run synchronously on the
// elector goroutine and must not block for long.
type Hooks struct {
	// OnElected fires on every transition into LEADING; reacquired is true
	// when leadership had been held and lost before.
	OnElected func(ctx context.Context, reacquired bool)
	// OnLost fires when a refresh fails; trading must stop before it returns.
	OnLost func(ctx context.Context, cause error)
}

// Config elector settings
type Config struct {
	Key          string
	InstanceID   string
	TTL          time.Duration
	RefreshEvery time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

// Elector acquires, refreshes and re-acquires the leader lease
// ⭐ SSOT: 리더 여부 판단은 여기서만
type Elector struct {
	cfg     Config
	store   LockStore
	hooks   Hooks
	backoff *Backoff
	logger  *logger.Logger
	now     func() time.Time

	mu       sync.Mutex
	state    State
	attempt  int
	deadline time.Time // local lease validity, never later than the store's
	everLed  bool
}

// NewElector creates an elector in ACQUIRING
func NewElector(cfg Config, store LockStore, hooks Hooks, log *logger.Logger) *Elector {
	return &Elector{
		cfg:     cfg,
		store:   store,
		hooks:   hooks,
		backoff: NewBackoff(cfg.BackoffBase, cfg.BackoffMax, time.Now().UnixNano()),
		logger:  log.WithComponent("leader").WithField("instance_id", cfg.InstanceID),
		now:     time.Now,
		state:   StateAcquiring,
	}
}

// SetClock replaces the time source (simulations)
func (e *Elector) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// State returns the current state
func (e *Elector) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsLeader reports LEADING with a lease that has not locally expired
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateLeading && e.now().Before(e.deadline)
}

// Start makes the first acquisition attempt. Without standby, a lease held
// elsewhere is fatal (ErrLeaseHeld); with standby the elector keeps trying
// from Run.
func (e *Elector) Start(ctx context.Context, standby bool) error {
	e.Step(ctx)
	if e.State() == StateLeading || standby {
		return nil
	}

	holder, err := e.store.Holder(ctx, e.cfg.Key)
	if err != nil {
		return fmt.Errorf("failed to acquire leader lease: %w", err)
	}
	if holder == "" {
		return fmt.Errorf("failed to acquire leader lease %q", e.cfg.Key)
	}
	return fmt.Errorf("%w: %s holds %q", ErrLeaseHeld, holder, e.cfg.Key)
}

// Step performs one acquire or refresh and returns how long to wait
// before the next step.
func (e *Elector) Step(ctx context.Context) time.Duration {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()

	if state == StateLeading {
		return e.refresh(ctx)
	}
	return e.acquire(ctx)
}

func (e *Elector) acquire(ctx context.Context) time.Duration {
	started := e.clock()
	ok, err := e.store.Acquire(ctx, e.cfg.Key, e.cfg.InstanceID, e.cfg.TTL)
	if err != nil || !ok {
		e.mu.Lock()
		e.apply(EventAcquireFailed)
		delay := e.backoff.Delay(e.attempt)
		e.attempt++
		e.mu.Unlock()

		if err != nil {
			e.logger.WithError(err).WithField("retry_in", delay.String()).Warn("Leader lease acquire failed")
		} else {
			e.logger.WithField("retry_in", delay.String()).Debug("Leader lease held elsewhere")
		}
		return delay
	}

	e.mu.Lock()
	e.apply(EventAcquired)
	e.attempt = 0
	e.deadline = started.Add(e.cfg.TTL)
	reacquired := e.everLed
	e.everLed = true
	e.mu.Unlock()

	e.logger.WithField("reacquired", reacquired).Info("Leader lease acquired")
	if e.hooks.OnElected != nil {
		e.hooks.OnElected(ctx, reacquired)
	}
	return e.cfg.RefreshEvery
}

func (e *Elector) refresh(ctx context.Context) time.Duration {
	started := e.clock()
	ok, err := e.store.Refresh(ctx, e.cfg.Key, e.cfg.InstanceID, e.cfg.TTL)
	if err == nil && ok {
		e.mu.Lock()
		e.apply(EventRefreshed)
		e.deadline = started.Add(e.cfg.TTL)
		e.mu.Unlock()
		return e.cfg.RefreshEvery
	}

	cause := err
	if cause == nil {
		cause = errors.New("lease no longer held")
	}

	e.mu.Lock()
	e.apply(EventRefreshFailed)
	e.deadline = time.Time{}
	e.attempt = 0
	delay := e.backoff.Delay(e.attempt)
	e.attempt++
	e.mu.Unlock()

	e.logger.WithError(cause).Error("Leader lease lost, trading paused")
	if e.hooks.OnLost != nil {
		e.hooks.OnLost(ctx, cause)
	}
	return delay
}

// Run steps until ctx is done, then releases the lease if held
func (e *Elector) Run(ctx context.Context) error {
	timer := time.NewTimer(e.cfg.RefreshEvery)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Release(context.Background())
			return nil
		case <-timer.C:
			timer.Reset(e.Step(ctx))
		}
	}
}

// Release gives the lease up (shutdown)
func (e *Elector) Release(ctx context.Context) {
	e.mu.Lock()
	leading := e.state == StateLeading
	e.apply(EventReleased)
	e.deadline = time.Time{}
	e.mu.Unlock()

	if !leading {
		return
	}
	if _, err := e.store.Release(ctx, e.cfg.Key, e.cfg.InstanceID); err != nil {
		e.logger.WithError(err).Warn("Failed to release leader lease")
		return
	}
	e.logger.Info("Leader lease released")
}

func (e *Elector) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now()
}

// apply moves the state machine; callers hold mu
func (e *Elector) apply(ev Event) {
	next, err := Transition(e.state, ev)
	if err != nil {
		e.logger.WithError(err).Error("Leader state machine rejected event")
		return
	}
	if next != e.state {
		e.logger.WithFields(map[string]interface{}{
			"from": string(e.state),
			"to":   string(next),
		}).Info("Leader state changed")
	}
	e.state = next
}
