package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/mkoval/authlink/internal/flagx"
	"github.com/mkoval/authlink/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Intervals use
// timex.Duration so JSON can specify them either as strings like "30m" or as
// integer nanoseconds.
type JsonConfig struct {
	ListenAddr       string         `json:"listen_addr"`
	IdentityURL      string         `json:"identity_url"`
	AppID            string         `json:"app_id"`
	Origin           string         `json:"origin"`
	RelayURL         string         `json:"relay_url"`
	SyncKeyHex       string         `json:"sync_key_hex"`
	SigningKeyPath   string         `json:"signing_key_path"`
	DatabasePath     string         `json:"database_path"`
	StorageNamespace string         `json:"storage_namespace"`
	StoragePassword  string         `json:"storage_password"`
	AccessTTL        timex.Duration `json:"access_ttl"`
	RefreshTTL       timex.Duration `json:"refresh_ttl"`
	RefreshThreshold float64        `json:"refresh_threshold"`
	ActivityTimeout  timex.Duration `json:"activity_timeout"`
	SweepInterval    timex.Duration `json:"sweep_interval"`
	MaxMessageAge    timex.Duration `json:"max_message_age"`
	RequestTimeout   timex.Duration `json:"request_timeout"`
	ValidateIP       *bool          `json:"validate_ip"`
	ScoreCeiling     int            `json:"score_ceiling"`
	TrustedApps      []TrustedApp   `json:"trusted_apps"`
}

// parseJson overlays cfg with values from the JSON file named by the
// -c/-config flags. Absent fields keep their previous values; read or
// unmarshal errors panic, configuration being unusable is fatal at startup.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	setString(&cfg.ListenAddr, jc.ListenAddr)
	setString(&cfg.IdentityURL, jc.IdentityURL)
	setString(&cfg.AppID, jc.AppID)
	setString(&cfg.Origin, jc.Origin)
	setString(&cfg.RelayURL, jc.RelayURL)
	setString(&cfg.SyncKeyHex, jc.SyncKeyHex)
	setString(&cfg.SigningKeyPath, jc.SigningKeyPath)
	setString(&cfg.DatabasePath, jc.DatabasePath)
	setString(&cfg.StorageNamespace, jc.StorageNamespace)
	setString(&cfg.StoragePassword, jc.StoragePassword)
	setDuration(&cfg.AccessTTL, jc.AccessTTL)
	setDuration(&cfg.RefreshTTL, jc.RefreshTTL)
	if jc.RefreshThreshold > 0 {
		cfg.RefreshThreshold = jc.RefreshThreshold
	}
	setDuration(&cfg.ActivityTimeout, jc.ActivityTimeout)
	setDuration(&cfg.SweepInterval, jc.SweepInterval)
	setDuration(&cfg.MaxMessageAge, jc.MaxMessageAge)
	setDuration(&cfg.RequestTimeout, jc.RequestTimeout)
	if jc.ValidateIP != nil {
		cfg.ValidateIP = *jc.ValidateIP
	}
	if jc.ScoreCeiling > 0 {
		cfg.ScoreCeiling = jc.ScoreCeiling
	}
	if len(jc.TrustedApps) > 0 {
		cfg.TrustedApps = jc.TrustedApps
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration > 0 {
		*dst = time.Duration(v.Duration)
	}
}
