package strategy

import (
	"net/http"
	"sync"
	"time"
)

// State is the settlement state of one request race.
type State int

const (
	// StatePending means no task has produced a response yet.
	StatePending State = iota

	// StateNetworkWon means the network answered first.
	StateNetworkWon

	// StateFallbackWon means the network failed and the cache lookup answered.
	StateFallbackWon

	// StateTimeoutWon means the preemptive timeout answered from cache.
	StateTimeoutWon

	// StateCacheWon means the cache beat the network in a fastest race.
	StateCacheWon

	// StateFailed means every path was exhausted or the caller gave up.
	StateFailed
)

// String returns the metric label of s.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateNetworkWon:
		return "network"
	case StateFallbackWon:
		return "fallback"
	case StateTimeoutWon:
		return "timeout"
	case StateCacheWon:
		return "cache"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// stopper is the cancellation token of a pending timer.
type stopper interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) stopper

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// race holds the per-request state shared by the network and timeout tasks.
// It settles exactly once.
type race struct {
	mu    sync.Mutex
	state State
	timer stopper
	resp  *http.Response
	err   error
	done  chan struct{}
}

func newRace() *race {
	return &race{done: make(chan struct{})}
}

// arm installs the timeout timer.
func (r *race) arm(after afterFunc, d time.Duration, f func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePending {
		return
	}
	r.timer = after(d, f)
}

// stopTimer cancels a pending timeout.
func (r *race) stopTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopTimerLocked()
}

func (r *race) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// settle records the winner. It returns false if the race was already
// settled, in which case the caller owns resp and must close it.
func (r *race) settle(state State, resp *http.Response, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePending {
		return false
	}
	r.state = state
	r.resp = resp
	r.err = err
	if state != StateTimeoutWon {
		r.stopTimerLocked()
	} else {
		r.timer = nil
	}
	close(r.done)
	return true
}

func (r *race) settled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != StatePending
}

func (r *race) result() (State, *http.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.resp, r.err
}

func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
}
