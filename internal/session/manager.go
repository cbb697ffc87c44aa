package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mkoval/authlink/internal/common"
	"github.com/mkoval/authlink/internal/logging"
	"github.com/mkoval/authlink/internal/security"
	"github.com/mkoval/authlink/internal/timex"
	"github.com/mkoval/authlink/internal/token"
)

// State of the lifecycle machine:
// Anonymous -> Active -> (Refreshing) -> Active | Expired -> Anonymous.
type State string

const (
	StateAnonymous  State = "anonymous"
	StateActive     State = "active"
	StateRefreshing State = "refreshing"
	StateExpired    State = "expired"
)

// Default lifecycle intervals.
const (
	DefaultRefreshThreshold = 0.8
	DefaultActivityTimeout  = 30 * time.Minute
	DefaultSweepInterval    = time.Minute
)

// TokenService is the slice of the token service the manager depends on.
type TokenService interface {
	Rotate(refreshToken, fingerprintHash string) (*token.Pair, error)
	RevokeChain(sessionID string)
	AccessTTL() time.Duration
}

// Options configure a Manager. Zero values fall back to the defaults.
type Options struct {
	// RefreshThreshold is the fraction of the session lifetime after
	// which a refresh is scheduled.
	RefreshThreshold float64

	// ActivityTimeout clears a session untouched for this long,
	// independent of token expiry.
	ActivityTimeout time.Duration

	// SweepInterval is the period of the inactivity sweep.
	SweepInterval time.Duration

	// Fallback, when set, is tried once after a failed rotation before
	// the session is cleared (e.g. a fresh login against the identity
	// backend).
	Fallback func(ctx context.Context) (*token.Pair, error)
}

// Manager owns the authoritative in-process session, persists it through a
// Store and schedules refresh, rotation and expiry. All state mutations
// complete under one lock acquisition; events are published after the store
// write they report on has committed, so peers never observe an update this
// agent has not itself durably made.
type Manager struct {
	opts     Options
	store    Store
	tokens   TokenService
	enhancer *security.Enhancer
	bus      *Bus
	clock    timex.Clock
	log      logging.Logger
	rotator  *token.Rotator

	mu        sync.Mutex
	state     State
	current   *Session
	secRecord *security.Record
	sweep     timex.Timer
	closed    bool
	gen       uint64

	// storeMu serializes storage writes against Clear. Always acquired
	// after mu is released, never while holding it.
	storeMu sync.Mutex
}

func NewManager(store Store, tokens TokenService, enhancer *security.Enhancer, clock timex.Clock, log logging.Logger, opts Options) *Manager {
	if opts.RefreshThreshold <= 0 || opts.RefreshThreshold > 1 {
		opts.RefreshThreshold = DefaultRefreshThreshold
	}
	if opts.ActivityTimeout <= 0 {
		opts.ActivityTimeout = DefaultActivityTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	return &Manager{
		opts:     opts,
		store:    store,
		tokens:   tokens,
		enhancer: enhancer,
		bus:      NewBus(),
		clock:    clock,
		log:      log,
		rotator:  token.NewRotator(clock, opts.RefreshThreshold),
		state:    StateAnonymous,
	}
}

// Bus returns the event bus other components subscribe to.
func (m *Manager) Bus() *Bus { return m.bus }

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the active session, or nil when anonymous.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SecurityRecord returns the live security record, nil when anonymous.
func (m *Manager) SecurityRecord() *security.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.secRecord
}

// Save validates sess through the security enhancer and, only on success,
// persists it, arms the refresh timer and publishes EventSaved. A rejected
// session never enters storage; if it replaced an active one, the active
// session is cleared.
func (m *Manager) Save(ctx context.Context, sess *Session, obs security.Observation) error {
	m.mu.Lock()

	rec := m.secRecord
	if rec == nil || m.current == nil || m.current.ID != sess.ID {
		// New session (login or adopted from a peer): the security
		// record is recomputed from the current observation, never
		// replayed from storage.
		rec = security.NewRecord(obs.FingerprintHash, obs.IPAddress, m.clock.Now())
	}
	if err := m.enhancer.Validate(rec, obs); err != nil {
		m.mu.Unlock()
		m.Clear(ctx)
		return err
	}

	now := m.clock.Now()
	if sess.LastActivityAt.IsZero() {
		sess.LastActivityAt = now
	}
	changed := m.current == nil || m.current.ID != sess.ID ||
		m.current.TokenPair == nil || sess.TokenPair == nil ||
		m.current.TokenPair.AccessToken != sess.TokenPair.AccessToken

	m.current = sess
	m.secRecord = rec
	m.state = StateActive
	gen := m.gen
	issuedAt, lifetime := m.refreshWindowLocked(sess, now)
	m.mu.Unlock()

	rec2 := &PersistedRecord{
		Session:      sess,
		ExpiresAt:    sess.ExpiresAt,
		LastActivity: sess.LastActivityAt,
	}
	committed, err := m.persist(ctx, gen, rec2, func(saveErr error) {
		if saveErr == nil && changed {
			m.bus.Publish(Event{Type: EventSaved, Session: sess})
		}
	})
	if err != nil {
		return err
	}
	if committed {
		// Existing timer is always cancelled before a new one is armed,
		// so a repeated save never double-schedules. Scheduled outside
		// storeMu: an overdue window fires refreshNow synchronously and
		// that path persists again.
		m.rotator.Schedule(issuedAt, lifetime, func() { m.refreshNow(context.Background()) })
	}
	return nil
}

// persist writes rec unless the lifecycle generation moved on since the
// caller snapshotted it under mu. It holds storeMu for the write and the
// onDone callback, so a concurrent Clear either runs before the generation
// check or waits until the write and its broadcast have completed; a cleared
// store can never end up holding a session record again, and peers never see
// a save announced after the matching clear. Reports whether the write
// committed. onDone must not take manager locks or re-enter persist.
func (m *Manager) persist(ctx context.Context, gen uint64, rec *PersistedRecord, onDone func(saveErr error)) (bool, error) {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	if m.staleGen(gen) {
		return false, nil
	}
	err := m.store.Save(ctx, rec)
	if m.staleGen(gen) {
		// Clear came in during the write; it is queued on storeMu and
		// wipes this record next. Suppress the timer and the broadcast.
		return false, err
	}
	if onDone != nil {
		onDone(err)
	}
	return true, err
}

func (m *Manager) staleGen(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen != gen
}

// Touch records activity on the session: it re-runs security validation,
// updates the activity timestamp and persists it. A score over the ceiling
// clears the session and returns common.ErrSecurityRejected.
func (m *Manager) Touch(ctx context.Context, activity string, obs security.Observation) error {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return common.ErrNotFound
	}

	obs.Activity = activity
	if obs.At.IsZero() {
		obs.At = m.clock.Now()
	}
	if err := m.enhancer.Validate(m.secRecord, obs); err != nil {
		m.mu.Unlock()
		m.Clear(ctx)
		return err
	}

	m.current.LastActivityAt = m.clock.Now()
	rec := &PersistedRecord{
		Session:      m.current,
		ExpiresAt:    m.current.ExpiresAt,
		LastActivity: m.current.LastActivityAt,
	}
	gen := m.gen
	m.mu.Unlock()

	_, err := m.persist(ctx, gen, rec, nil)
	return err
}

// Clear cancels timers, wipes the security record, clears storage,
// broadcasts EventCleared and resets to Anonymous. Calling it twice is a
// no-op the second time.
func (m *Manager) Clear(ctx context.Context) {
	m.mu.Lock()
	if m.state == StateAnonymous && m.current == nil {
		m.mu.Unlock()
		return
	}
	m.current = nil
	m.secRecord = nil
	m.state = StateAnonymous
	// Bumping the generation invalidates every storage write snapshotted
	// before this point.
	m.gen++
	m.mu.Unlock()

	m.rotator.Stop()

	m.storeMu.Lock()
	err := m.store.Clear(ctx)
	m.bus.Publish(Event{Type: EventCleared})
	m.storeMu.Unlock()
	if err != nil && m.log != nil {
		m.log.Error(ctx, "clearing session storage", "err", err)
	}
}

// Resume loads a persisted session on startup. A missing record leaves the
// manager anonymous; an expired or inactive one is cleared from storage. A
// live record becomes the current session and, when already past the
// refresh threshold, refresh fires immediately.
func (m *Manager) Resume(ctx context.Context, obs security.Observation) error {
	rec, err := m.store.Load(ctx)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	now := m.clock.Now()
	if rec.Session == nil || rec.Session.Expired(now) || now.Sub(rec.LastActivity) > m.opts.ActivityTimeout {
		m.storeMu.Lock()
		defer m.storeMu.Unlock()
		return m.store.Clear(ctx)
	}

	rec.Session.LastActivityAt = rec.LastActivity
	return m.Save(ctx, rec.Session, obs)
}

// Start arms the periodic inactivity sweep. Stop with Close.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.sweep != nil {
		return
	}
	m.sweep = m.clock.AfterFunc(m.opts.SweepInterval, m.sweepTick)
}

// Close cancels all pending timers before releasing state, so a stale timer
// cannot resurrect a cleared session.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	if m.sweep != nil {
		m.sweep.Stop()
		m.sweep = nil
	}
	m.mu.Unlock()
	m.rotator.Stop()
}

// sweepTick clears the session when inactivity exceeds the timeout, then
// re-arms itself. Runs independently of token expiry.
func (m *Manager) sweepTick() {
	m.mu.Lock()
	var idle bool
	if m.current != nil {
		idle = m.clock.Now().Sub(m.current.LastActivityAt) > m.opts.ActivityTimeout
	}
	closed := m.closed
	m.mu.Unlock()

	ctx := context.Background()
	if idle {
		if m.log != nil {
			m.log.Info(ctx, "session cleared by inactivity sweep", "timeout", m.opts.ActivityTimeout)
		}
		m.Clear(ctx)
	}

	m.mu.Lock()
	if !closed && !m.closed {
		m.sweep = m.clock.AfterFunc(m.opts.SweepInterval, m.sweepTick)
	}
	m.mu.Unlock()
}

// refreshNow is the rotation timer callback.
func (m *Manager) refreshNow(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateActive || m.current == nil || m.current.TokenPair == nil {
		m.mu.Unlock()
		return
	}
	m.state = StateRefreshing
	refreshToken := m.current.TokenPair.RefreshToken
	var fph string
	if m.secRecord != nil {
		fph = m.secRecord.FingerprintHash
	}
	sessionID := m.current.ID
	m.mu.Unlock()

	pair, err := m.tokens.Rotate(refreshToken, fph)
	if err != nil {
		if errors.Is(err, common.ErrFingerprintMismatch) {
			// Possible theft: kill the whole chain, do not retry.
			m.tokens.RevokeChain(sessionID)
			if m.log != nil {
				m.log.Warn(ctx, "rotation fingerprint mismatch, chain revoked", "session_id", sessionID)
			}
			m.Clear(ctx)
			return
		}
		// One fallback attempt to force a fresh login; otherwise the
		// session degrades to expired.
		if m.opts.Fallback != nil {
			pair, err = m.opts.Fallback(ctx)
		}
		if err != nil || pair == nil {
			if m.log != nil {
				m.log.Warn(ctx, "token rotation failed, clearing session", "err", err)
			}
			m.mu.Lock()
			m.state = StateExpired
			m.mu.Unlock()
			m.bus.Publish(Event{Type: EventExpired})
			m.Clear(ctx)
			return
		}
	}

	m.mu.Lock()
	if m.state != StateRefreshing || m.current == nil {
		// Cleared while the rotation was in flight; drop the result.
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	m.current.TokenPair = pair
	m.current.ExpiresAt = now.Add(m.tokens.AccessTTL())
	m.state = StateActive
	if m.secRecord != nil {
		m.enhancer.RecordRotation(m.secRecord, now)
	}
	sess := m.current
	rec := &PersistedRecord{Session: sess, ExpiresAt: sess.ExpiresAt, LastActivity: sess.LastActivityAt}
	gen := m.gen
	issuedAt, lifetime := m.refreshWindowLocked(sess, now)
	m.mu.Unlock()

	committed, err := m.persist(ctx, gen, rec, func(saveErr error) {
		m.bus.Publish(Event{Type: EventRefreshed, Session: sess})
	})
	if err != nil && m.log != nil {
		m.log.Error(ctx, "persisting refreshed session", "err", err)
	}
	if committed {
		m.rotator.Schedule(issuedAt, lifetime, func() { m.refreshNow(context.Background()) })
	}
}

// refreshWindowLocked derives the (issuedAt, lifetime) window the rotator
// schedules against. Caller holds the lock.
func (m *Manager) refreshWindowLocked(sess *Session, now time.Time) (time.Time, time.Duration) {
	lifetime := m.tokens.AccessTTL()
	issuedAt := sess.ExpiresAt.Add(-lifetime)
	if sess.ExpiresAt.IsZero() {
		issuedAt = now
	}
	return issuedAt, lifetime
}
