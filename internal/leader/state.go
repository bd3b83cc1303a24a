// Package leader keeps exactly one engine instance trading at a time.
// - 상태: ACQUIRING (대기) → LEADING (거래) → PAUSED (리스 상실, 재획득 중)
// - 리스 상실 시 즉시 거래 중지, 프로세스는 종료하지 않음
package leader

import "fmt"

// State is the elector's position in the leadership lifecycle
type State string

const (
	// StateAcquiring: never led (startup or standby), trying to acquire
	StateAcquiring State = "ACQUIRING"
	// StateLeading: holds the lease, trading allowed
	StateLeading State = "LEADING"
	// StatePaused: lost the lease, trading paused, re-acquiring with backoff
	StatePaused State = "PAUSED"
)

// Event drives a state transition
type Event string

const (
	EventAcquired      Event = "ACQUIRED"
	EventAcquireFailed Event = "ACQUIRE_FAILED"
	EventRefreshed     Event = "REFRESHED"
	EventRefreshFailed Event = "REFRESH_FAILED"
	EventReleased      Event = "RELEASED"
)

// Transition returns the state reached from s on e.
// Unknown pairs are errors so a missed case fails loudly in tests.
func Transition(s State, e Event) (State, error) {
	switch s {
	case StateAcquiring:
		switch e {
		case EventAcquired:
			return StateLeading, nil
		case EventAcquireFailed, EventReleased:
			return StateAcquiring, nil
		case EventRefreshed, EventRefreshFailed:
		}
	case StateLeading:
		switch e {
		case EventRefreshed:
			return StateLeading, nil
		case EventRefreshFailed:
			return StatePaused, nil
		case EventReleased:
			return StateAcquiring, nil
		case EventAcquired, EventAcquireFailed:
		}
	case StatePaused:
		switch e {
		case EventAcquired:
			return StateLeading, nil
		case EventAcquireFailed:
			return StatePaused, nil
		case EventReleased:
			return StateAcquiring, nil
		case EventRefreshed, EventRefreshFailed:
		}
	}
	return s, fmt.Errorf("invalid leader transition %s on %s", s, e)
}

// Trading reports whether orders may be placed in s
func (s State) Trading() bool {
	return s == StateLeading
}
