// Package config resolves agent settings once at startup: defaults first,
// then an optional JSON file, then command-line flags, later sources taking
// precedence.
package config

import "time"

// Config holds runtime settings for an authlink agent.
type Config struct {
	// ListenAddr is the host:port of the local HTTP surface.
	ListenAddr string

	// IdentityURL is the base URL of the external identity backend.
	IdentityURL string

	// AppID and Origin identify this context in the trusted-app table.
	AppID  string
	Origin string

	// RelayURL is the websocket sync relay. Empty means in-process
	// loopback only: single-context operation.
	RelayURL string

	// SyncKeyHex is the shared HMAC key for sync messages, hex-encoded.
	SyncKeyHex string

	// SigningKeyPath is the PEM file with the RSA token signing key,
	// generated on first start when missing.
	SigningKeyPath string

	// DatabasePath is the sqlite file holding the encrypted session
	// record.
	DatabasePath string

	// StorageNamespace separates records of different properties in one
	// database file.
	StorageNamespace string

	// StoragePassword derives the at-rest encryption key.
	StoragePassword string

	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// RefreshThreshold is the fraction of the token lifetime after which
	// proactive rotation fires.
	RefreshThreshold float64

	ActivityTimeout time.Duration
	SweepInterval   time.Duration

	MaxMessageAge  time.Duration
	RequestTimeout time.Duration

	// ValidateIP enables the IP-change anomaly signal.
	ValidateIP bool

	// ScoreCeiling above which security validation rejects the session.
	ScoreCeiling int

	// TrustedApps is the static table of peer contexts allowed to
	// participate in session sync. JSON only; there is no flag form.
	TrustedApps []TrustedApp
}

// TrustedApp mirrors the sync protocol's registration: which peer may be
// listened to and what it may request.
type TrustedApp struct {
	AppID       string   `json:"app_id"`
	Origin      string   `json:"origin"`
	Permissions []string `json:"permissions"`
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ListenAddr = "127.0.0.1:8700"
	c.IdentityURL = "http://127.0.0.1:8701"
	c.AppID = "authlink"
	c.Origin = "http://localhost"
	c.SigningKeyPath = "authlink_signing.pem"
	c.DatabasePath = "authlink.db"
	c.StorageNamespace = "default"
	c.AccessTTL = time.Hour
	c.RefreshTTL = 7 * 24 * time.Hour
	c.RefreshThreshold = 0.8
	c.ActivityTimeout = 30 * time.Minute
	c.SweepInterval = time.Minute
	c.MaxMessageAge = 5 * time.Minute
	c.RequestTimeout = 5 * time.Second
	c.ScoreCeiling = 5
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present).
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
