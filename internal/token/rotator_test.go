package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mkoval/authlink/internal/timex"
)

func TestRotator_FiresAtFractionOfLifetime(t *testing.T) {
	clock := timex.NewFakeClock(time.Unix(1000, 0))
	r := NewRotator(clock, 0.8)

	fired := 0
	r.Schedule(clock.Now(), time.Hour, func() { fired++ })

	clock.Advance(47 * time.Minute)
	require.Equal(t, 0, fired, "must not fire before 80% of the lifetime")

	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, fired, "must fire at 48 minutes for a 1h token")
}

func TestRotator_ImmediateWhenPastThreshold(t *testing.T) {
	clock := timex.NewFakeClock(time.Unix(1000, 0))
	r := NewRotator(clock, 0.8)

	fired := 0
	// Token issued 55 minutes ago with a 1h lifetime: already past the
	// rotation point, fires synchronously.
	r.Schedule(clock.Now().Add(-55*time.Minute), time.Hour, func() { fired++ })
	require.Equal(t, 1, fired)
}

func TestRotator_RescheduleCancelsPrevious(t *testing.T) {
	clock := timex.NewFakeClock(time.Unix(1000, 0))
	r := NewRotator(clock, 0.5)

	first, second := 0, 0
	r.Schedule(clock.Now(), time.Hour, func() { first++ })
	r.Schedule(clock.Now(), 2*time.Hour, func() { second++ })

	clock.Advance(3 * time.Hour)
	require.Equal(t, 0, first, "superseded timer must not fire")
	require.Equal(t, 1, second)
}

func TestRotator_StopPreventsFiring(t *testing.T) {
	clock := timex.NewFakeClock(time.Unix(1000, 0))
	r := NewRotator(clock, 0.8)

	fired := 0
	r.Schedule(clock.Now(), time.Hour, func() { fired++ })
	r.Stop()

	clock.Advance(2 * time.Hour)
	require.Equal(t, 0, fired)
}

func TestNewRotator_FractionFallback(t *testing.T) {
	clock := timex.NewFakeClock(time.Unix(0, 0))

	for _, bad := range []float64{0, -1, 1.5} {
		r := NewRotator(clock, bad)
		require.Equal(t, DefaultRotateFraction, r.fraction)
	}
}
