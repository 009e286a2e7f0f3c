package rate

import (
	"context"
	"math"
	"time"
)

// baseEpochSec is Jan 1, 2020 00:00:00 GMT in epoch seconds. Theoretical
// arrival times are kept relative to it so that they fit in a float64
// with sub-millisecond precision.
const baseEpochSec = 1577836800

// store is the interface that must be implemented by a rate limit store.
type store interface {
	// Take takes a specified number of tokens from the given key if available.
	Take(ctx context.Context, key string, cost int) (*Result, error)
	// Close releases the resources held by the store.
	Close() error
}

// Result is the result of a Take call.
type Result struct {
	// Allowed is true if the token is available.
	Allowed bool
	// Limit is the maximum number of tokens. -1 when limiting is disabled.
	Limit int
	// Remaining is the number of remaining token.
	Remaining int
	// RetryAfter is the duration until the token is available.
	RetryAfter time.Duration
	// ResetAfter is the duration until the rate limit completely resets.
	ResetAfter time.Duration
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

// gcraState is the outcome of a single GCRA evaluation.
type gcraState struct {
	allowed    bool
	newTAT     float64
	remaining  float64
	retryAfter float64
	resetAfter float64
}

// evalGCRA evaluates the generic cell rate algorithm. The same arithmetic
// runs inside gcra_ratelimit.lua for the redis store.
func evalGCRA(now, tat, interval, burstOffset, cost float64) gcraState {
	newTAT := math.Max(tat, now) + interval*cost
	diff := now - (newTAT - burstOffset)
	st := gcraState{
		newTAT:     newTAT,
		remaining:  diff / interval,
		resetAfter: math.Ceil(newTAT - now),
	}
	if st.remaining < 0 {
		st.retryAfter = -diff
		st.remaining = 0
		return st
	}
	st.allowed = true
	return st
}

// noopStore is a rate limit store that always allows the request.
type noopStore struct{}

// Take takes a specified number of tokens from the given key if available.
func (s *noopStore) Take(ctx context.Context, key string, cost int) (*Result, error) {
	return &Result{
		Allowed:    true,
		Limit:      -1,
		Remaining:  -1,
		RetryAfter: -1,
		ResetAfter: -1,
	}, nil
}

// Close is a no-op.
func (s *noopStore) Close() error {
	return nil
}
