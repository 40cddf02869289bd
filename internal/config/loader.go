package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/camorch/ipcam-orchestrator/internal/logging"
)

// Loader loads and validates the orchestrator's Config tree via Viper:
// a YAML file plus environment-variable overlay prefixed IPCAM_, with
// SetDefault calls for every key before unmarshalling.
type Loader struct {
	viper  *viper.Viper
	logger *logging.Logger
}

// NewLoader constructs a Loader ready to read YAML from a configured path.
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("IPCAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{viper: v, logger: logging.GetComponentLogger("config")}
}

// Load reads configPath (if present; a missing file falls back to defaults,
// logged as a warning rather than an error) and returns the validated Config.
func (l *Loader) Load(configPath string) (*Config, error) {
	l.setDefaults()

	if configPath != "" {
		l.viper.SetConfigFile(configPath)
		if err := l.viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok || os.IsNotExist(err) {
				l.logger.WithField("path", configPath).Warn("config file not found, using defaults")
			} else {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := l.viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// WatchReload re-reads the config file on every fsnotify write event and
// invokes onChange with the newly validated Config. Invalid reloads are
// logged and skipped; the previous Config stays in effect.
func (l *Loader) WatchReload(configPath string, onChange func(*Config)) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	dir := configPath
	if idx := strings.LastIndexByte(configPath, '/'); idx >= 0 {
		dir = configPath[:idx]
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	go func() {
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != configPath || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				debounce.Reset(100 * time.Millisecond)
			case <-debounce.C:
				cfg, err := l.Load(configPath)
				if err != nil {
					l.logger.WithError(err).Warn("config reload failed, keeping previous configuration")
					continue
				}
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.WithError(err).Warn("config watcher error")
			}
		}
	}()

	return watcher.Close, nil
}

func (l *Loader) setDefaults() {
	v := l.viper

	v.SetDefault("network.timeout", 5*time.Second)
	v.SetDefault("network.retries", 2)
	v.SetDefault("network.buffer_size", 5)

	v.SetDefault("recording.enabled", false)

	v.SetDefault("security.encrypt_config", true)

	v.SetDefault("performance.max_concurrent_connections", 10)
	v.SetDefault("performance.thread_pool_size", 8)

	v.SetDefault("connection.max_retries", 3)
	v.SetDefault("connection.retry_delay", 2*time.Second)
	v.SetDefault("connection.connection_timeout", 10*time.Second)
	v.SetDefault("connection.health_check_interval", 30*time.Second)
	v.SetDefault("connection.retry_interval", 60*time.Second)
	v.SetDefault("connection.retry_failed_connections", true)
	v.SetDefault("connection.max_connections_per_camera", 4)
	v.SetDefault("connection.max_attempt_history", 100)

	v.SetDefault("stream.buffer_size", 5)
	v.SetDefault("stream.target_fps", 15)
	v.SetDefault("stream.metrics_interval", 1*time.Second)
	v.SetDefault("stream.min_emit_interval", 33*time.Millisecond)
	v.SetDefault("stream.auto_reconnect", true)
	v.SetDefault("stream.retry_interval", 5*time.Second)

	v.SetDefault("scan.max_concurrent_scans", 3)
	v.SetDefault("scan.max_completed_scans", 20)
	v.SetDefault("scan.max_cache_entries", 256)
	v.SetDefault("scan.default_timeout", 2*time.Second)
	v.SetDefault("scan.scan_history_retention_days", 30)
	v.SetDefault("scan.scheduler_interval", 1*time.Second)
	v.SetDefault("scan.cleanup_interval", 1*time.Hour)
	v.SetDefault("scan.default_cache_ttl", 24*time.Hour)
	v.SetDefault("scan.probe_concurrency_per_host", 4)

	v.SetDefault("persistence.data_root", "data")
	v.SetDefault("persistence.db_file", "camera_data.db")
	v.SetDefault("persistence.cache_ttl_hours", 24)
	v.SetDefault("persistence.backup_interval_hours", 24)
	v.SetDefault("persistence.backup_retain", 10)
	v.SetDefault("persistence.auto_cleanup_days", 90)
	v.SetDefault("persistence.cache_cleanup_every", 1*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file_enabled", false)
	v.SetDefault("logging.console_enabled", true)
	v.SetDefault("logging.max_file_size_mb", 10)
	v.SetDefault("logging.backup_count", 5)
}
