// Package security scores session anomalies and assigns a trust level. It is
// not a hard gate by default: ordinary drift (a network change, a browser
// update) demotes trust so callers can require step-up checks, and only a
// score above the configured ceiling rejects the session outright. The
// two-tier design avoids false-positive lockouts while still bounding damage
// from credential or token theft.
package security

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mkoval/authlink/internal/common"
	"github.com/mkoval/authlink/internal/logging"
	"github.com/mkoval/authlink/internal/metrics"
)

// TrustLevel is the coarse classification derived from the anomaly score.
type TrustLevel string

const (
	TrustHigh   TrustLevel = "high"
	TrustMedium TrustLevel = "medium"
	TrustLow    TrustLevel = "low"
)

// Score increments per anomaly class.
const (
	scoreFingerprintDrift = 3
	scoreIPChange         = 2
	scoreBurstActivity    = 1
	scorePrivilegedUse    = 1
)

// DefaultScoreCeiling: validation fails only above this cumulative score.
const DefaultScoreCeiling = 5

// burstInterval: repeated activity faster than this looks scripted.
const burstInterval = 100 * time.Millisecond

// Record is the per-session security state. It lives only for the lifetime
// of the session and is recomputed on login, never replayed from storage.
type Record struct {
	FingerprintHash string
	IPAddress       string
	LastRotation    time.Time
	RotationCount   int
	AnomalyScore    int
	TrustLevel      TrustLevel

	burst *rate.Limiter
}

// NewRecord captures the baseline observed at login.
func NewRecord(fingerprintHash, ipAddress string, now time.Time) *Record {
	r := &Record{
		FingerprintHash: fingerprintHash,
		IPAddress:       ipAddress,
		LastRotation:    now,
		TrustLevel:      TrustHigh,
		burst:           rate.NewLimiter(rate.Every(burstInterval), 1),
	}
	// Prime the limiter so the first post-login activity is not counted
	// as a burst.
	r.burst.AllowN(now, 1)
	return r
}

// Observation is what a single validation call sees.
type Observation struct {
	FingerprintHash string
	IPAddress       string
	Activity        string
	At              time.Time
}

// Options configure an Enhancer.
type Options struct {
	// ValidateIP enables the IP-change check. Off by default: mobile
	// clients hop networks constantly.
	ValidateIP bool

	// ScoreCeiling above which Validate fails. Zero means the default.
	ScoreCeiling int

	Metrics metrics.Recorder
}

// Enhancer scores anomalies against a session's security record.
type Enhancer struct {
	opts Options
	log  logging.Logger
}

func NewEnhancer(opts Options, log logging.Logger) *Enhancer {
	if opts.ScoreCeiling <= 0 {
		opts.ScoreCeiling = DefaultScoreCeiling
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	return &Enhancer{opts: opts, log: log}
}

// Validate re-scores rec against obs, updates the trust level and returns
// common.ErrSecurityRejected when the cumulative score exceeds the ceiling.
// Below the ceiling the session stays valid, demoted in trust; callers may
// use the demotion to require step-up checks.
func (e *Enhancer) Validate(rec *Record, obs Observation) error {
	if rec == nil {
		return common.ErrSecurityRejected
	}

	if obs.FingerprintHash != "" && rec.FingerprintHash != "" && obs.FingerprintHash != rec.FingerprintHash {
		rec.AnomalyScore += scoreFingerprintDrift
		e.warn("fingerprint drift", rec)
		// Score each drift once: the observed hash becomes the new
		// baseline, so a persistent new device keeps its demotion but
		// does not re-score on every call.
		rec.FingerprintHash = obs.FingerprintHash
	}

	if e.opts.ValidateIP && obs.IPAddress != "" && rec.IPAddress != "" && obs.IPAddress != rec.IPAddress {
		rec.AnomalyScore += scoreIPChange
		e.warn("ip change", rec)
		rec.IPAddress = obs.IPAddress
	}

	if obs.Activity != "" {
		if rec.burst != nil && !rec.burst.AllowN(obs.At, 1) {
			rec.AnomalyScore += scoreBurstActivity
		}
		if isPrivileged(obs.Activity) && rec.TrustLevel != TrustHigh {
			rec.AnomalyScore += scorePrivilegedUse
		}
	}

	rec.TrustLevel = trustFor(rec.AnomalyScore)

	if rec.AnomalyScore > e.opts.ScoreCeiling {
		e.opts.Metrics.SecurityRejected()
		e.warn("anomaly score over ceiling", rec)
		return common.ErrSecurityRejected
	}
	return nil
}

// RecordRotation notes a completed token rotation on the record.
func (e *Enhancer) RecordRotation(rec *Record, at time.Time) {
	rec.LastRotation = at
	rec.RotationCount++
}

func (e *Enhancer) warn(msg string, rec *Record) {
	if e.log != nil {
		e.log.Warn(context.Background(), msg, "score", rec.AnomalyScore, "trust", string(rec.TrustLevel))
	}
}

func trustFor(score int) TrustLevel {
	switch {
	case score == 0:
		return TrustHigh
	case score <= 3:
		return TrustMedium
	default:
		return TrustLow
	}
}

// isPrivileged flags activity strings that look like sensitive operations.
func isPrivileged(activity string) bool {
	a := strings.ToLower(activity)
	for _, marker := range []string{"admin", "delete", "payment", "password", "grant"} {
		if strings.Contains(a, marker) {
			return true
		}
	}
	return false
}
