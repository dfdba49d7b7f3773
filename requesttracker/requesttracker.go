// Package requesttracker times synchronization requests to a single peer,
// backing off exponentially on unanswered requests and resetting on a
// successful response.
package requesttracker

import (
	"math"
	"sync"
	"time"
)

// Config tunes a Tracker's request cadence and backoff.
type Config struct {
	// NormalInterval is how long to wait between requests when the last one
	// got a timely response.
	NormalInterval time.Duration

	// FailureConstant, FailureExpMultiplier and FailureExpBase compute the
	// backoff interval after n consecutive unanswered requests as
	// FailureConstant + FailureExpMultiplier * FailureExpBase^(n-1),
	// capped at FailureMaximum.
	FailureConstant      time.Duration
	FailureExpMultiplier time.Duration
	FailureExpBase       float64
	FailureMaximum       time.Duration
}

// DefaultConfig yields request intervals of 5s, 10s, 15s, 25s, capping at
// 30s from the fourth consecutive failure onward.
func DefaultConfig() Config {
	return Config{
		NormalInterval:       5 * time.Second,
		FailureConstant:      5 * time.Second,
		FailureExpMultiplier: 5 * time.Second,
		FailureExpBase:       2.0,
		FailureMaximum:       30 * time.Second,
	}
}

// Tracker decides when a synchronizer may send its next request to a peer.
type Tracker struct {
	mu     sync.Mutex
	config Config
	nowFn  func() time.Time

	lastSend     *time.Time
	lastResponse *time.Time
	failures     int
	forceNext    bool
}

// New creates a Tracker. nowFn defaults to time.Now when nil; tests pass a
// mock clock for deterministic backoff assertions.
func New(config Config, nowFn func() time.Time) *Tracker {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Tracker{config: config, nowFn: nowFn}
}

// SetLastSend records that a request was just sent.
func (t *Tracker) SetLastSend(when time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSend = &when
}

// SetLastResponded records that a response was just received, resetting the
// failure count and backoff.
func (t *Tracker) SetLastResponded(when time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastResponse = &when
	t.failures = 0
}

// ForceNextRequest makes the next CanSendRequest call return true
// regardless of backoff state, used when a peer is first discovered.
func (t *Tracker) ForceNextRequest() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forceNext = true
}

// CanSendRequest reports whether enough time has elapsed (per the current
// backoff) since the last request to send another one. If it returns true
// because the backoff interval elapsed without an intervening response, the
// failure count is incremented, lengthening the next backoff.
func (t *Tracker) CanSendRequest() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.forceNext {
		t.forceNext = false
		return true
	}

	if t.lastSend == nil {
		return true
	}

	interval := t.nextRequestIntervalLocked()
	if t.nowFn().Sub(*t.lastSend) < interval {
		return false
	}

	if !t.hasRespondedLastRequestLocked() {
		t.failures++
	}
	return true
}

// CountFailure counts one failure against the peer without waiting for a
// request timeout, used when the peer sent something invalid.
func (t *Tracker) CountFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures++
}

// FailureCount returns the number of consecutive unanswered requests.
func (t *Tracker) FailureCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

func (t *Tracker) hasRespondedLastRequestLocked() bool {
	if t.lastSend == nil || t.lastResponse == nil {
		return false
	}
	return t.lastResponse.After(*t.lastSend)
}

func (t *Tracker) nextRequestIntervalLocked() time.Duration {
	if t.failures == 0 {
		return t.config.NormalInterval
	}
	multiplier := math.Pow(t.config.FailureExpBase, float64(t.failures-1))
	interval := t.config.FailureConstant + time.Duration(float64(t.config.FailureExpMultiplier)*multiplier)
	if interval > t.config.FailureMaximum {
		return t.config.FailureMaximum
	}
	return interval
}
