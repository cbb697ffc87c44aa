// Package nonce implements the replay-protection store: a bounded map from
// nonce to first-seen timestamp. A nonce is consumed exactly once; seeing it
// again within its lifetime means a replayed message.
package nonce

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mkoval/authlink/internal/logging"
	"github.com/mkoval/authlink/internal/metrics"
)

const (
	// DefaultMaxAge matches the sync protocol's maximum message age:
	// nonces older than this can never validate again, so keeping them
	// is pointless.
	DefaultMaxAge = 5 * time.Minute

	// DefaultCapacity bounds memory regardless of TTL. Must hold even
	// under sustained replay-attack pressure.
	DefaultCapacity = 10000

	// capacityEvictionFraction of the oldest entries is dropped outright
	// when the store hits capacity.
	capacityEvictionFraction = 0.1
)

// Store records recently-seen nonces. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	seen map[string]time.Time

	maxAge   time.Duration
	capacity int

	log logging.Logger
	rec metrics.Recorder
	now func() time.Time
}

// NewStore creates a Store with the given limits. Zero values fall back to
// the defaults.
func NewStore(maxAge time.Duration, capacity int, log logging.Logger, rec metrics.Recorder) *Store {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Store{
		seen:     make(map[string]time.Time),
		maxAge:   maxAge,
		capacity: capacity,
		log:      log,
		rec:      rec,
		now:      time.Now,
	}
}

// ValidateAndConsume atomically checks that nonce has not been seen and
// records it. Returns false for a replay. The check-then-insert runs under
// one lock acquisition so concurrent handlers can never both consume the
// same nonce.
func (s *Store) ValidateAndConsume(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[nonce]; ok {
		return false
	}

	if len(s.seen) >= s.capacity {
		s.evictOldestLocked()
	}

	s.seen[nonce] = s.now()
	return true
}

// Sweep removes entries older than maxAge. Called periodically by Run and
// directly from tests.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	for n, firstSeen := range s.seen {
		if firstSeen.Before(cutoff) {
			delete(s.seen, n)
			removed++
		}
	}
	if removed > 0 {
		s.rec.NonceEvicted("expired", removed)
	}
	return removed
}

// Run sweeps expired nonces every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Len reports the current number of recorded nonces.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// evictOldestLocked drops the oldest 10% of entries outright. Caller holds
// the lock.
func (s *Store) evictOldestLocked() {
	type entry struct {
		nonce string
		at    time.Time
	}

	entries := make([]entry, 0, len(s.seen))
	for n, at := range s.seen {
		entries = append(entries, entry{nonce: n, at: at})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })

	drop := int(float64(len(entries)) * capacityEvictionFraction)
	if drop < 1 {
		drop = 1
	}
	for _, e := range entries[:drop] {
		delete(s.seen, e.nonce)
	}

	s.rec.NonceEvicted("capacity", drop)
	if s.log != nil {
		s.log.Warn(context.Background(), "nonce store at capacity, evicting oldest entries",
			"capacity", s.capacity, "evicted", drop)
	}
}
