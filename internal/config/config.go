package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "GRAVITY_SYNC"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultBackendDatabasePath = "gravity-sync-backend.db"
	defaultClientDatabasePath  = "gravity-sync-client.db"
	defaultRemoteURL           = "http://localhost:8080"
	defaultLogLevel            = "info"
	defaultTokenTTL            = 24 * time.Hour
	defaultMaintenanceSchedule = "@every 1h"
)

var defaultTables = []string{"tasks"}

// LogConfig controls logging.
type LogConfig struct {
	Level string
	File  string
}

// BackendConfig captures runtime configuration for the reference backend.
type BackendConfig struct {
	Log            LogConfig
	HTTPAddress    string
	DatabasePath   string
	SigningSecret  string
	IssuingSecret  string
	TokenTTL       time.Duration
	Tables         []string
	AllowedOrigins []string
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	PushIterations      int
	MaxRetries          int
	LockTimeout         time.Duration
	PhaseTimeout        time.Duration
	ProtectionWindow    time.Duration
	EchoTTL             time.Duration
	PushDebounce        time.Duration
	TombstoneRetention  time.Duration
	RemotePurgeInterval time.Duration
	ConflictRetention   time.Duration
	MaintenanceSchedule string
}

// PollingConfig tunes adaptive polling.
type PollingConfig struct {
	ActiveInterval time.Duration
	IdleInterval   time.Duration
	IdleThreshold  time.Duration
}

// RealtimeConfig tunes the realtime reconnect loop.
type RealtimeConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// EditGuardConfig tunes edit protection.
type EditGuardConfig struct {
	Window        time.Duration
	StaleAfter    time.Duration
	SweepInterval time.Duration
}

// TabsConfig tunes leader election.
type TabsConfig struct {
	HeartbeatInterval time.Duration
	LeaderTimeout     time.Duration
}

// ClientConfig captures runtime configuration for a sync client.
type ClientConfig struct {
	Log          LogConfig
	DatabasePath string
	RemoteURL    string
	AccessToken  string
	DeviceID     string
	Tables       []string
	Sync         SyncConfig
	Polling      PollingConfig
	Realtime     RealtimeConfig
	EditGuard    EditGuardConfig
	Tabs         TabsConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")

	configViper.SetDefault("backend.http_address", defaultHTTPAddress)
	configViper.SetDefault("backend.database_path", defaultBackendDatabasePath)
	configViper.SetDefault("backend.token_ttl", defaultTokenTTL)
	configViper.SetDefault("backend.tables", defaultTables)
	configViper.SetDefault("backend.allowed_origins", []string{"*"})

	configViper.SetDefault("client.database_path", defaultClientDatabasePath)
	configViper.SetDefault("client.remote_url", defaultRemoteURL)
	configViper.SetDefault("client.tables", defaultTables)

	configViper.SetDefault("sync.push_iterations", 10)
	configViper.SetDefault("sync.max_retries", 5)
	configViper.SetDefault("sync.lock_timeout", 60*time.Second)
	configViper.SetDefault("sync.phase_timeout", 30*time.Second)
	configViper.SetDefault("sync.protection_window", 5*time.Second)
	configViper.SetDefault("sync.echo_ttl", 5*time.Second)
	configViper.SetDefault("sync.push_debounce", 2*time.Second)
	configViper.SetDefault("sync.tombstone_retention", 7*24*time.Hour)
	configViper.SetDefault("sync.remote_purge_interval", 24*time.Hour)
	configViper.SetDefault("sync.conflict_retention", 30*24*time.Hour)
	configViper.SetDefault("sync.maintenance_schedule", defaultMaintenanceSchedule)

	configViper.SetDefault("polling.active_interval", 10*time.Second)
	configViper.SetDefault("polling.idle_interval", 60*time.Second)
	configViper.SetDefault("polling.idle_threshold", 30*time.Second)

	configViper.SetDefault("realtime.max_attempts", 8)
	configViper.SetDefault("realtime.base_delay", time.Second)
	configViper.SetDefault("realtime.max_delay", 30*time.Second)

	configViper.SetDefault("editguard.window", 3*time.Second)
	configViper.SetDefault("editguard.stale_after", 60*time.Second)
	configViper.SetDefault("editguard.sweep_interval", time.Second)

	configViper.SetDefault("tabs.heartbeat_interval", 2*time.Second)
	configViper.SetDefault("tabs.leader_timeout", 6*time.Second)
}

// LoadBackend parses the reference backend configuration from viper.
func LoadBackend(configViper *viper.Viper) (BackendConfig, error) {
	cfg := BackendConfig{
		Log:            loadLog(configViper),
		HTTPAddress:    configViper.GetString("backend.http_address"),
		DatabasePath:   configViper.GetString("backend.database_path"),
		SigningSecret:  configViper.GetString("backend.signing_secret"),
		IssuingSecret:  configViper.GetString("backend.issuing_secret"),
		TokenTTL:       configViper.GetDuration("backend.token_ttl"),
		Tables:         splitList(configViper.GetStringSlice("backend.tables")),
		AllowedOrigins: splitList(configViper.GetStringSlice("backend.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return BackendConfig{}, err
	}

	return cfg, nil
}

// LoadClient parses the sync client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		Log:          loadLog(configViper),
		DatabasePath: configViper.GetString("client.database_path"),
		RemoteURL:    configViper.GetString("client.remote_url"),
		AccessToken:  configViper.GetString("client.access_token"),
		DeviceID:     configViper.GetString("client.device_id"),
		Tables:       splitList(configViper.GetStringSlice("client.tables")),
		Sync: SyncConfig{
			PushIterations:      configViper.GetInt("sync.push_iterations"),
			MaxRetries:          configViper.GetInt("sync.max_retries"),
			LockTimeout:         configViper.GetDuration("sync.lock_timeout"),
			PhaseTimeout:        configViper.GetDuration("sync.phase_timeout"),
			ProtectionWindow:    configViper.GetDuration("sync.protection_window"),
			EchoTTL:             configViper.GetDuration("sync.echo_ttl"),
			PushDebounce:        configViper.GetDuration("sync.push_debounce"),
			TombstoneRetention:  configViper.GetDuration("sync.tombstone_retention"),
			RemotePurgeInterval: configViper.GetDuration("sync.remote_purge_interval"),
			ConflictRetention:   configViper.GetDuration("sync.conflict_retention"),
			MaintenanceSchedule: configViper.GetString("sync.maintenance_schedule"),
		},
		Polling: PollingConfig{
			ActiveInterval: configViper.GetDuration("polling.active_interval"),
			IdleInterval:   configViper.GetDuration("polling.idle_interval"),
			IdleThreshold:  configViper.GetDuration("polling.idle_threshold"),
		},
		Realtime: RealtimeConfig{
			MaxAttempts: configViper.GetInt("realtime.max_attempts"),
			BaseDelay:   configViper.GetDuration("realtime.base_delay"),
			MaxDelay:    configViper.GetDuration("realtime.max_delay"),
		},
		EditGuard: EditGuardConfig{
			Window:        configViper.GetDuration("editguard.window"),
			StaleAfter:    configViper.GetDuration("editguard.stale_after"),
			SweepInterval: configViper.GetDuration("editguard.sweep_interval"),
		},
		Tabs: TabsConfig{
			HeartbeatInterval: configViper.GetDuration("tabs.heartbeat_interval"),
			LeaderTimeout:     configViper.GetDuration("tabs.leader_timeout"),
		},
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func loadLog(configViper *viper.Viper) LogConfig {
	return LogConfig{
		Level: configViper.GetString("log.level"),
		File:  configViper.GetString("log.file"),
	}
}

func (c BackendConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("backend.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("backend.database_path is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("backend.http_address is required")
	}
	if len(c.Tables) == 0 {
		return fmt.Errorf("backend.tables must name at least one table")
	}
	return nil
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("client.database_path is required")
	}
	if strings.TrimSpace(c.RemoteURL) == "" {
		return fmt.Errorf("client.remote_url is required")
	}
	if len(c.Tables) == 0 {
		return fmt.Errorf("client.tables must name at least one table")
	}
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive")
	}
	if strings.TrimSpace(c.Sync.MaintenanceSchedule) == "" {
		return fmt.Errorf("sync.maintenance_schedule is required")
	}
	return nil
}

// splitList accepts both list values and comma-separated strings from the environment.
func splitList(values []string) []string {
	items := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				items = append(items, trimmed)
			}
		}
	}
	return items
}
