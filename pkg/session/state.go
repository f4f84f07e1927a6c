package session

import "fmt"

// State is the lifecycle state of a Session.
type State int

const (
	// StateUninitialized is the zero value. A session leaves it as soon as
	// New returns.
	StateUninitialized State = iota
	// StateConnecting means the cache is loading and the transport dialing.
	StateConnecting
	// StateSynced means the cache is loaded and the transport is connected.
	StateSynced
	// StateDegraded means the transport is down. Local mutations still
	// apply and are queued for the next connection.
	StateDegraded
	// StateFailed means initialization ran out of retries.
	StateFailed
	// StateDestroyed is final. Every operation fails with ErrSessionClosed.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateSynced:
		return "synced"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	case StateDestroyed:
		return "destroyed"
	default:
		return "invalid"
	}
}

// Connected reports whether the state can reach peers.
func (s State) Connected() bool {
	return s == StateSynced
}

// validateTransitionTo allows:
//
//	uninitialized -> connecting
//	connecting    -> synced | failed
//	synced       <-> degraded
//	any           -> destroyed, except from destroyed
func (s State) validateTransitionTo(next State) error {
	switch s {
	case StateUninitialized:
		switch next {
		case StateConnecting, StateDestroyed:
			return nil
		}
	case StateConnecting:
		switch next {
		case StateSynced, StateFailed, StateDestroyed:
			return nil
		}
	case StateSynced:
		switch next {
		case StateDegraded, StateDestroyed:
			return nil
		}
	case StateDegraded:
		switch next {
		case StateSynced, StateDestroyed:
			return nil
		}
	case StateFailed:
		if next == StateDestroyed {
			return nil
		}
	}
	return fmt.Errorf("invalid state transition from %v to %v", s, next)
}
