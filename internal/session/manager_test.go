package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mkoval/authlink/internal/common"
	"github.com/mkoval/authlink/internal/security"
	"github.com/mkoval/authlink/internal/timex"
	"github.com/mkoval/authlink/internal/token"
)

func newTokenService(t *testing.T) *token.Service {
	t.Helper()
	key, err := token.GenerateSigningKey()
	require.NoError(t, err)
	return token.NewService(key, token.Options{Issuer: "authlink-test", Audience: "apps"})
}

func newTestManager(t *testing.T, tokens TokenService, clock timex.Clock, opts Options) *Manager {
	t.Helper()
	enhancer := security.NewEnhancer(security.Options{ValidateIP: true}, nil)
	m := NewManager(NewMemoryStore(), tokens, enhancer, clock, nil, opts)
	t.Cleanup(m.Close)
	return m
}

func activeSession(t *testing.T, svc *token.Service, clock timex.Clock) *Session {
	t.Helper()
	pair, err := svc.Issue("user-1", "fp-a", []string{"member"}, []string{"read_session"})
	require.NoError(t, err)
	return &Session{
		ID:        pair.SessionID,
		Principal: Principal{ID: "user-1", Role: "member"},
		TokenPair: pair,
		ExpiresAt: clock.Now().Add(svc.AccessTTL()),
	}
}

func drainOne(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	default:
		t.Fatal("expected a published event")
		return Event{}
	}
}

func TestSave_ActivatesAndPersists(t *testing.T) {
	clock := timex.NewFakeClock(time.Unix(10000, 0))
	svc := newTokenService(t)
	m := newTestManager(t, svc, clock, Options{})
	sub := m.Bus().Subscribe()
	defer sub.Cancel()

	sess := activeSession(t, svc, clock)
	obs := security.Observation{FingerprintHash: "fp-a", IPAddress: "10.0.0.1", At: clock.Now()}
	require.NoError(t, m.Save(context.Background(), sess, obs))

	require.Equal(t, StateActive, m.State())
	require.Equal(t, sess.ID, m.Current().ID)

	rec, err := m.store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, sess.ID, rec.Session.ID)

	ev := drainOne(t, sub)
	require.Equal(t, EventSaved, ev.Type)
	require.Equal(t, sess.ID, ev.Session.ID)
}

func TestSave_TwiceDoesNotDoubleBroadcast(t *testing.T) {
	clock := timex.NewFakeClock(time.Unix(10000, 0))
	svc := newTokenService(t)
	m := newTestManager(t, svc, clock, Options{})
	sub := m.Bus().Subscribe()
	defer sub.Cancel()

	sess := activeSession(t, svc, clock)
	obs := security.Observation{FingerprintHash: "fp-a", At: clock.Now()}
	require.NoError(t, m.Save(context.Background(), sess, obs))
	require.NoError(t, m.Save(context.Background(), sess, obs))

	require.Equal(t, EventSaved, drainOne(t, sub).Type)
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected second event %v", ev.Type)
	default:
	}
}

func TestSave_RejectedSessionNeverEntersStorage(t *testing.T) {
	clock := timex.NewFakeClock(time.Unix(10000, 0))
	svc := newTokenService(t)
	enhancer := security.NewEnhancer(security.Options{ScoreCeiling: 2}, nil)
	m := NewManager(NewMemoryStore(), svc, enhancer, clock, nil, Options{})
	t.Cleanup(m.Close)

	sess := activeSession(t, svc, clock)
	require.NoError(t, m.Save(context.Background(), sess, security.Observation{FingerprintHash: "fp-a", At: clock.Now()}))

	// Updating the same session from a drifted device scores 3 > ceiling
	// 2: rejected, cleared, and storage holds nothing.
	err := m.Save(context.Background(), sess, security.Observation{FingerprintHash: "fp-evil", At: clock.Now()})
	require.ErrorIs(t, err, common.ErrSecurityRejected)
	require.Equal(t, StateAnonymous, m.State())

	_, err = m.store.Load(context.Background())
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestTouch_UpdatesActivity(t *testing.T) {
	clock := timex.NewFakeClock(time.Unix(10000, 0))
	svc := newTokenService(t)
	m := newTestManager(t, svc, clock, Options{})

	sess := activeSession(t, svc, clock)
	require.NoError(t, m.Save(context.Background(), sess, security.Observation{FingerprintHash: "fp-a", At: clock.Now()}))

	clock.Advance(5 * time.Minute)
	require.NoError(t, m.Touch(context.Background(), "view-profile", security.Observation{FingerprintHash: "fp-a", At: clock.Now()}))
	require.Equal(t, clock.Now(), m.Current().LastActivityAt)
}

func TestTouch_Anonymous(t *testing.T) {
	clock := timex.NewFakeClock(time.Unix(10000, 0))
	m := newTestManager(t, newTokenService(t), clock, Options{})

	err := m.Touch(context.Background(), "anything", security.Observation{})
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestInactivitySweep_ClearsIdleSession(t *testing.T) {
	clock := timex.NewFakeClock(time.Unix(10000, 0))
	svc := newTokenService(t)
	m := newTestManager(t, svc, clock, Options{
		ActivityTimeout: 30 * time.Minute,
		SweepInterval:   time.Minute,
		// Keep the refresh timer out of this scenario.
		RefreshThreshold: 0.99,
	})
	sub := m.Bus().Subscribe()
	defer sub.Cancel()

	sess := activeSession(t, svc, clock)
	require.NoError(t, m.Save(context.Background(), sess, security.Observation{FingerprintHash: "fp-a", At: clock.Now()}))
	drainOne(t, sub)

	m.Start()

	// 31 simulated minutes without activity: the next sweep tick clears
	// the session even though its token has not expired.
	clock.Advance(31 * time.Minute)

	require.Equal(t, StateAnonymous, m.State())
	require.Nil(t, m.Current())
	require.Equal(t, EventCleared, drainOne(t, sub).Type)

	_, err := m.store.Load(context.Background())
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestProactiveRefresh_RotatesBeforeExpiry(t *testing.T) {
	clock := timex.NewFakeClock(time.Unix(10000, 0))
	svc := newTokenService(t)
	m := newTestManager(t, svc, clock, Options{
		ActivityTimeout: 2 * time.Hour, // keep the sweep out of the way
	})
	sub := m.Bus().Subscribe()
	defer sub.Cancel()

	sess := activeSession(t, svc, clock)
	oldAccess := sess.TokenPair.AccessToken
	require.NoError(t, m.Save(context.Background(), sess, security.Observation{FingerprintHash: "fp-a", At: clock.Now()}))
	drainOne(t, sub)

	// 80% of a 1h lifetime is 48 minutes.
	clock.Advance(47 * time.Minute)
	require.Equal(t, StateActive, m.State())
	require.Equal(t, oldAccess, m.Current().TokenPair.AccessToken)

	clock.Advance(2 * time.Minute)
	require.Equal(t, StateActive, m.State())
	require.NotEqual(t, oldAccess, m.Current().TokenPair.AccessToken)
	require.Equal(t, sess.ID, m.Current().TokenPair.SessionID, "rotation preserves the session id")
	require.Equal(t, EventRefreshed, drainOne(t, sub).Type)
}

type failingTokens struct {
	ttl time.Duration
	err error
}

func (f *failingTokens) Rotate(string, string) (*token.Pair, error) { return nil, f.err }
func (f *failingTokens) RevokeChain(string)                         {}
func (f *failingTokens) AccessTTL() time.Duration                   { return f.ttl }

func TestRefreshFailure_FallsBackOnce(t *testing.T) {
	clock := timex.NewFakeClock(time.Unix(10000, 0))
	svc := newTokenService(t)

	fallbackPair, err := svc.Issue("user-1", "", nil, nil)
	require.NoError(t, err)

	failing := &failingTokens{ttl: time.Hour, err: common.ErrTokenExpired}
	m := newTestManager(t, failing, clock, Options{
		ActivityTimeout: 2 * time.Hour,
		Fallback: func(ctx context.Context) (*token.Pair, error) {
			return fallbackPair, nil
		},
	})

	sess := activeSession(t, svc, clock)
	require.NoError(t, m.Save(context.Background(), sess, security.Observation{FingerprintHash: "fp-a", At: clock.Now()}))

	clock.Advance(49 * time.Minute)
	require.Equal(t, StateActive, m.State())
	require.Equal(t, fallbackPair.AccessToken, m.Current().TokenPair.AccessToken)
}

func TestRefreshFailure_WithoutFallbackClears(t *testing.T) {
	clock := timex.NewFakeClock(time.Unix(10000, 0))
	svc := newTokenService(t)

	failing := &failingTokens{ttl: time.Hour, err: common.ErrTokenExpired}
	m := newTestManager(t, failing, clock, Options{ActivityTimeout: 2 * time.Hour})
	sub := m.Bus().Subscribe()
	defer sub.Cancel()

	sess := activeSession(t, svc, clock)
	require.NoError(t, m.Save(context.Background(), sess, security.Observation{FingerprintHash: "fp-a", At: clock.Now()}))
	drainOne(t, sub)

	clock.Advance(49 * time.Minute)
	require.Equal(t, StateAnonymous, m.State())
	require.Equal(t, EventExpired, drainOne(t, sub).Type)
	require.Equal(t, EventCleared, drainOne(t, sub).Type)
}

func TestRefresh_FingerprintMismatchKillsChain(t *testing.T) {
	clock := timex.NewFakeClock(time.Unix(10000, 0))
	svc := newTokenService(t)

	failing := &failingTokens{ttl: time.Hour, err: common.ErrFingerprintMismatch}
	m := newTestManager(t, failing, clock, Options{ActivityTimeout: 2 * time.Hour})

	sess := activeSession(t, svc, clock)
	require.NoError(t, m.Save(context.Background(), sess, security.Observation{FingerprintHash: "fp-a", At: clock.Now()}))

	clock.Advance(49 * time.Minute)
	require.Equal(t, StateAnonymous, m.State())
	require.Nil(t, m.Current())
}

func TestClear_Idempotent(t *testing.T) {
	clock := timex.NewFakeClock(time.Unix(10000, 0))
	svc := newTokenService(t)
	m := newTestManager(t, svc, clock, Options{})
	sub := m.Bus().Subscribe()
	defer sub.Cancel()

	sess := activeSession(t, svc, clock)
	require.NoError(t, m.Save(context.Background(), sess, security.Observation{FingerprintHash: "fp-a", At: clock.Now()}))
	drainOne(t, sub)

	m.Clear(context.Background())
	m.Clear(context.Background())

	require.Equal(t, EventCleared, drainOne(t, sub).Type)
	select {
	case ev := <-sub.C:
		t.Fatalf("second clear must not re-broadcast, got %v", ev.Type)
	default:
	}
}

func TestResume_RestoresLiveSession(t *testing.T) {
	clock := timex.NewFakeClock(time.Unix(10000, 0))
	svc := newTokenService(t)
	store := NewMemoryStore()

	sess := activeSession(t, svc, clock)
	require.NoError(t, store.Save(context.Background(), &PersistedRecord{
		Session:      sess,
		ExpiresAt:    sess.ExpiresAt,
		LastActivity: clock.Now(),
	}))

	enhancer := security.NewEnhancer(security.Options{}, nil)
	m := NewManager(store, svc, enhancer, clock, nil, Options{})
	t.Cleanup(m.Close)

	require.NoError(t, m.Resume(context.Background(), security.Observation{FingerprintHash: "fp-a", At: clock.Now()}))
	require.Equal(t, StateActive, m.State())
	require.Equal(t, sess.ID, m.Current().ID)
}

func TestResume_DiscardsInactiveRecord(t *testing.T) {
	clock := timex.NewFakeClock(time.Unix(10000, 0))
	svc := newTokenService(t)
	store := NewMemoryStore()

	sess := activeSession(t, svc, clock)
	sess.ExpiresAt = clock.Now().Add(24 * time.Hour)
	require.NoError(t, store.Save(context.Background(), &PersistedRecord{
		Session:      sess,
		ExpiresAt:    sess.ExpiresAt,
		LastActivity: clock.Now().Add(-time.Hour), // idle past the 30m timeout
	}))

	enhancer := security.NewEnhancer(security.Options{}, nil)
	m := NewManager(store, svc, enhancer, clock, nil, Options{})
	t.Cleanup(m.Close)

	require.NoError(t, m.Resume(context.Background(), security.Observation{At: clock.Now()}))
	require.Equal(t, StateAnonymous, m.State())

	_, err := store.Load(context.Background())
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestResume_EmptyStoreStaysAnonymous(t *testing.T) {
	clock := timex.NewFakeClock(time.Unix(10000, 0))
	m := newTestManager(t, newTokenService(t), clock, Options{})

	require.NoError(t, m.Resume(context.Background(), security.Observation{}))
	require.Equal(t, StateAnonymous, m.State())
}

// gatedStore parks Save until released so tests can overlap a storage write
// with other lifecycle calls.
type gatedStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Save(ctx context.Context, rec *PersistedRecord) error {
	s.entered <- struct{}{}
	<-s.release
	return s.MemoryStore.Save(ctx, rec)
}

func TestClear_SerializedWithInFlightSave(t *testing.T) {
	clock := timex.NewFakeClock(time.Unix(10000, 0))
	svc := newTokenService(t)
	store := &gatedStore{
		MemoryStore: NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	enhancer := security.NewEnhancer(security.Options{ValidateIP: true}, nil)
	m := NewManager(store, svc, enhancer, clock, nil, Options{})
	t.Cleanup(m.Close)
	sub := m.Bus().Subscribe()
	defer sub.Cancel()

	sess := activeSession(t, svc, clock)
	obs := security.Observation{FingerprintHash: "fp-a", IPAddress: "10.0.0.1", At: clock.Now()}

	saved := make(chan error, 1)
	go func() { saved <- m.Save(context.Background(), sess, obs) }()
	<-store.entered

	cleared := make(chan struct{})
	go func() {
		m.Clear(context.Background())
		close(cleared)
	}()

	// Clear must wait for the write in flight instead of wiping under it.
	select {
	case <-cleared:
		t.Fatal("clear finished while the save was still writing")
	case <-time.After(20 * time.Millisecond):
	}

	close(store.release)
	require.NoError(t, <-saved)
	<-cleared

	require.Equal(t, StateAnonymous, m.State())
	_, err := store.MemoryStore.Load(context.Background())
	require.ErrorIs(t, err, common.ErrNotFound,
		"storage must be empty once Clear has returned")

	// The overlapped save must not be announced: the only event is the clear.
	ev := drainOne(t, sub)
	require.Equal(t, EventCleared, ev.Type)
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event after clear: %v", ev.Type)
	default:
	}

	// A restart over the same storage must not resurrect the session.
	require.NoError(t, m.Resume(context.Background(), obs))
	require.Equal(t, StateAnonymous, m.State())
}
