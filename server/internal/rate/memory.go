package rate

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// sweepEvery is the number of Take calls between sweeps of expired keys.
const sweepEvery = 1024

// newMemoryStore creates a new memoryStore.
func newMemoryStore(c Config, logger logr.Logger) *memoryStore {
	log := logger.WithName("memory")
	interval, burstOffset := c.gcraParams()
	log.Info("Initializing memory store...", "interval(sec)", interval, "burst", c.Burst)
	return &memoryStore{
		tats:        map[string]float64{},
		interval:    interval,
		burst:       c.Burst,
		burstOffset: burstOffset,
		now:         time.Now,
		logger:      log,
	}
}

// memoryStore is a rate limit store kept in process memory. It is only
// suitable for a single replica.
type memoryStore struct {
	mu    sync.Mutex
	tats  map[string]float64
	calls int

	interval    float64
	burst       int
	burstOffset float64

	now    func() time.Time
	logger logr.Logger
}

// Take takes a specified number of tokens from the given key if available.
func (s *memoryStore) Take(ctx context.Context, key string, cost int) (*Result, error) {
	st := s.take(key, float64(cost))
	r := &Result{
		Allowed:    st.allowed,
		Limit:      s.burst,
		Remaining:  int(math.Floor(st.remaining)),
		RetryAfter: secondsToDuration(st.retryAfter),
		ResetAfter: secondsToDuration(st.resetAfter),
	}
	s.logger.V(6).Info("RateLimit", "key", key, "allowed", r.Allowed, "remaining", r.Remaining, "retryAfter", r.RetryAfter, "resetAfter", r.ResetAfter)
	return r, nil
}

func (s *memoryStore) take(key string, cost float64) gcraState {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.now()
	now := float64(t.UnixMicro())/1e6 - baseEpochSec

	tat, ok := s.tats[key]
	if !ok {
		tat = now
	}
	st := evalGCRA(now, tat, s.interval, s.burstOffset, cost)
	if st.allowed {
		s.tats[key] = st.newTAT
	}

	s.calls++
	if s.calls%sweepEvery == 0 {
		s.sweepLocked(now)
	}
	return st
}

// sweepLocked drops keys whose bucket has fully refilled. Such keys behave
// exactly like keys that were never seen.
func (s *memoryStore) sweepLocked(now float64) {
	for k, tat := range s.tats {
		if tat <= now {
			delete(s.tats, k)
		}
	}
}

func (s *memoryStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tats)
}

// Close is a no-op.
func (s *memoryStore) Close() error {
	return nil
}
