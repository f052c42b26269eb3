package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/petervdpas/peercall/internal/util"
)

// EnvPrefix is prepended to every environment override, with dots in the key
// replaced by underscores: PEERCALL_IDENTITY_USER_ID sets identity.user_id.
const EnvPrefix = "PEERCALL"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Config struct {
	Identity Identity `json:"identity" mapstructure:"identity"`
	Store    Store    `json:"store" mapstructure:"store"`
	Call     Call     `json:"call" mapstructure:"call"`
	ICE      ICE      `json:"ice" mapstructure:"ice"`
	Media    Media    `json:"media" mapstructure:"media"`
	Notify   Notify   `json:"notify" mapstructure:"notify"`
	Viewer   Viewer   `json:"viewer" mapstructure:"viewer"`
	Log      Log      `json:"log" mapstructure:"log"`
}

type Identity struct {
	UserID string `json:"user_id" mapstructure:"user_id"`
}

type Store struct {
	// Relative to the peer directory.
	DBPath         string `json:"db_path" mapstructure:"db_path"`
	PollIntervalMs int    `json:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	// Watch the database files so writes by another process are seen
	// without waiting for the poll interval.
	WatchFiles bool `json:"watch_files" mapstructure:"watch_files"`
}

type Call struct {
	RingTimeoutSec       int    `json:"ring_timeout_sec" mapstructure:"ring_timeout_sec"`
	ConnectTimeoutSec    int    `json:"connect_timeout_sec" mapstructure:"connect_timeout_sec"`
	DisconnectGraceSec   int    `json:"disconnect_grace_sec" mapstructure:"disconnect_grace_sec"`
	ReconcileIntervalSec int    `json:"reconcile_interval_sec" mapstructure:"reconcile_interval_sec"`
	SweepSchedule        string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
	// Only "earliest" is implemented: the call created first survives.
	GlarePolicy string `json:"glare_policy" mapstructure:"glare_policy"`
	// Change log rows older than this are pruned by the sweep. 0 keeps them.
	ChangeRetentionHours int `json:"change_retention_hours" mapstructure:"change_retention_hours"`
}

type ICEServer struct {
	URLs       []string `json:"urls" mapstructure:"urls"`
	Username   string   `json:"username,omitempty" mapstructure:"username"`
	Credential string   `json:"credential,omitempty" mapstructure:"credential"`
}

type ICE struct {
	Servers         []ICEServer `json:"servers" mapstructure:"servers"`
	TransportPolicy string      `json:"transport_policy" mapstructure:"transport_policy"` // all | relay
	IncludeLoopback bool        `json:"include_loopback" mapstructure:"include_loopback"`
}

type Media struct {
	Source string `json:"source" mapstructure:"source"` // devices | synthetic
}

type Notify struct {
	// Command run with (title, body) when a call rings while no UI is
	// attached. Empty uses the platform default; "off" disables it.
	Command      string `json:"command" mapstructure:"command"`
	RingtoneBell bool   `json:"ringtone_bell" mapstructure:"ringtone_bell"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr" mapstructure:"http_addr"`
}

type Log struct {
	Level string `json:"level" mapstructure:"level"`
}

func Default() Config {
	return Config{
		Store: Store{
			DBPath:         "data/calls.db",
			PollIntervalMs: 500,
			WatchFiles:     true,
		},
		Call: Call{
			RingTimeoutSec:       45,
			ConnectTimeoutSec:    30,
			DisconnectGraceSec:   10,
			ReconcileIntervalSec: 5,
			SweepSchedule:        "@every 1m",
			GlarePolicy:          "earliest",
			ChangeRetentionHours: 24,
		},
		ICE: ICE{
			Servers:         []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
			TransportPolicy: "all",
		},
		Media: Media{
			Source: "devices",
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if _, err := util.ValidateUserID(c.Identity.UserID); err != nil {
		return fmt.Errorf("identity.user_id: %w", err)
	}

	// Store
	if strings.TrimSpace(c.Store.DBPath) == "" {
		return errors.New("store.db_path is required")
	}
	if c.Store.PollIntervalMs < 10 {
		return errors.New("store.poll_interval_ms must be >= 10")
	}

	// Call timing
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_sec must be > 0")
	}
	if c.Call.ConnectTimeoutSec <= 0 {
		return errors.New("call.connect_timeout_sec must be > 0")
	}
	if c.Call.DisconnectGraceSec < 0 {
		return errors.New("call.disconnect_grace_sec must be >= 0")
	}
	if c.Call.ReconcileIntervalSec < 0 {
		return errors.New("call.reconcile_interval_sec must be >= 0")
	}
	if c.Call.ChangeRetentionHours < 0 {
		return errors.New("call.change_retention_hours must be >= 0")
	}
	if s := strings.TrimSpace(c.Call.SweepSchedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			return fmt.Errorf("call.sweep_schedule: %w", err)
		}
	}
	if c.Call.GlarePolicy != "earliest" {
		return errors.New(`call.glare_policy must be "earliest"`)
	}

	// ICE
	switch c.ICE.TransportPolicy {
	case "all", "relay":
	default:
		return errors.New(`ice.transport_policy must be "all" or "relay"`)
	}
	for i, s := range c.ICE.Servers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice.servers[%d].urls is required", i)
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("ice.servers[%d]: %q is not a stun/turn url", i, u)
			}
		}
	}

	// Media
	switch c.Media.Source {
	case "devices", "synthetic":
	default:
		return errors.New(`media.source must be "devices" or "synthetic"`)
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Log
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be debug, info, warn or error")
	}

	return nil
}

func (c Call) RingTimeout() time.Duration    { return time.Duration(c.RingTimeoutSec) * time.Second }
func (c Call) ConnectTimeout() time.Duration { return time.Duration(c.ConnectTimeoutSec) * time.Second }
func (c Call) DisconnectGrace() time.Duration {
	return time.Duration(c.DisconnectGraceSec) * time.Second
}
func (c Call) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSec) * time.Second
}
func (c Call) ChangeRetention() time.Duration {
	return time.Duration(c.ChangeRetentionHours) * time.Hour
}

func (s Store) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMs) * time.Millisecond
}

// Load reads a JSON config file on top of the defaults and applies
// PEERCALL_* environment overrides.
func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial is Load without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	v, err := newViper()
	if err != nil {
		return Config{}, err
	}
	if err := v.ReadConfig(bytes.NewReader(b)); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

// newViper returns a JSON viper instance seeded with every default key, so
// environment overrides apply even to keys the file leaves out.
func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	b, err := json.Marshal(Default())
	if err != nil {
		return nil, err
	}
	var defaults map[string]any
	if err := json.Unmarshal(b, &defaults); err != nil {
		return nil, err
	}
	setDefaults(v, "", defaults)
	return v, nil
}

func setDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file
// for userID. Returns (cfg, createdNew, err).
func Ensure(path, userID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = userID
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
