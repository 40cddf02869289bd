// Package config holds the orchestrator's typed configuration tree and its
// Viper-backed loader: a mapstructure-tagged nested struct tree,
// SetDefault-per-key, env var overlay, and fsnotify-driven hot reload.
// Sensitive values are encrypted at rest by SecretStore.
package config

import "time"

// NetworkConfig covers the network.* keys.
type NetworkConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`     // network.timeout, seconds; >= 1
	Retries    int           `mapstructure:"retries"`     // network.retries (a network.retry_attempts key is not read); >= 0
	BufferSize int           `mapstructure:"buffer_size"` // network.buffer_size; >= 1, frame ring cap
}

// RecordingConfig covers the recording.* keys. Recording itself is
// out of the core's scope; only the enabled flag is carried so the ambient
// config tree matches the documented key surface.
type RecordingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SecurityConfig covers the security.* keys.
type SecurityConfig struct {
	EncryptConfig bool `mapstructure:"encrypt_config"`
}

// PerformanceConfig covers the performance.* keys.
type PerformanceConfig struct {
	MaxConcurrentConnections int `mapstructure:"max_concurrent_connections"` // >= 1
	ThreadPoolSize           int `mapstructure:"thread_pool_size"`           // >= 1
}

// ConnectionConfig tunes the connection state machines and the
// orchestrator's supervisor loops.
type ConnectionConfig struct {
	MaxRetries              int           `mapstructure:"max_retries"`
	RetryDelay              time.Duration `mapstructure:"retry_delay"`
	ConnectionTimeout       time.Duration `mapstructure:"connection_timeout"`
	HealthCheckInterval     time.Duration `mapstructure:"health_check_interval"`
	RetryInterval           time.Duration `mapstructure:"retry_interval"`
	RetryFailedConnections  bool          `mapstructure:"retry_failed_connections"`
	MaxConnectionsPerCamera int           `mapstructure:"max_connections_per_camera"`
	MaxAttemptHistory       int           `mapstructure:"max_attempt_history"` // <= 100
}

// StreamConfig tunes the Stream Pipeline.
type StreamConfig struct {
	BufferSize      int           `mapstructure:"buffer_size"`
	TargetFPS       int           `mapstructure:"target_fps"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
	MinEmitInterval time.Duration `mapstructure:"min_emit_interval"`
	AutoReconnect   bool          `mapstructure:"auto_reconnect"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
}

// ScanConfig tunes the Scan Engine and Coordinator.
type ScanConfig struct {
	MaxConcurrentScans      int           `mapstructure:"max_concurrent_scans"`
	MaxCompletedScans       int           `mapstructure:"max_completed_scans"`
	MaxCacheEntries         int           `mapstructure:"max_cache_entries"`
	DefaultTimeout          time.Duration `mapstructure:"default_timeout"`
	HistoryRetentionDays    int           `mapstructure:"scan_history_retention_days"`
	SchedulerInterval       time.Duration `mapstructure:"scheduler_interval"`
	CleanupInterval         time.Duration `mapstructure:"cleanup_interval"`
	DefaultCacheTTL         time.Duration `mapstructure:"default_cache_ttl"`
	ProbeConcurrencyPerHost int           `mapstructure:"probe_concurrency_per_host"`
}

// PersistenceConfig tunes the Persistence Core.
type PersistenceConfig struct {
	DataRoot          string        `mapstructure:"data_root"`
	DBFile            string        `mapstructure:"db_file"`
	CacheTTLHours     int           `mapstructure:"cache_ttl_hours"`
	BackupIntervalHrs int           `mapstructure:"backup_interval_hours"`
	BackupRetain      int           `mapstructure:"backup_retain"`
	AutoCleanupDays   int           `mapstructure:"auto_cleanup_days"`
	CacheCleanupEvery time.Duration `mapstructure:"cache_cleanup_every"`
}

// VendorCredentials is one `<vendor>.ip`/`<vendor>.username`/`<vendor>.password`
// credential group.
type VendorCredentials struct {
	IP       string `mapstructure:"ip"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password" config_type:"password"`
}

// LoggingConfig mirrors the logging package's settings.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`
	Format         string `mapstructure:"format"`
	FileEnabled    bool   `mapstructure:"file_enabled"`
	FilePath       string `mapstructure:"file_path"`
	MaxFileSizeMB  int    `mapstructure:"max_file_size_mb"`
	BackupCount    int    `mapstructure:"backup_count"`
	ConsoleEnabled bool   `mapstructure:"console_enabled"`
}

// Config is the orchestrator's full, typed configuration tree.
type Config struct {
	Network     NetworkConfig                `mapstructure:"network"`
	Recording   RecordingConfig              `mapstructure:"recording"`
	Security    SecurityConfig               `mapstructure:"security"`
	Performance PerformanceConfig            `mapstructure:"performance"`
	Connection  ConnectionConfig             `mapstructure:"connection"`
	Stream      StreamConfig                 `mapstructure:"stream"`
	Scan        ScanConfig                   `mapstructure:"scan"`
	Persistence PersistenceConfig            `mapstructure:"persistence"`
	Logging     LoggingConfig                `mapstructure:"logging"`
	Vendors     map[string]VendorCredentials `mapstructure:"vendors"`
}
