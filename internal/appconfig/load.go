package appconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the provided path. If path is empty,
// uses DefaultConfigPath. A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("engine.connect_timeout_seconds", cfg.Engine.ConnectTimeoutSeconds)
	v.SetDefault("engine.command_timeout_seconds", cfg.Engine.CommandTimeoutSeconds)
	v.SetDefault("engine.keepalive_interval_seconds", cfg.Engine.KeepaliveIntervalSeconds)
	v.SetDefault("engine.health_check_interval_seconds", cfg.Engine.HealthCheckIntervalSeconds)
	v.SetDefault("engine.retry_base_delay_ms", cfg.Engine.RetryBaseDelayMillis)
	v.SetDefault("engine.retry_fixed_delay_ms", cfg.Engine.RetryFixedDelayMillis)
	v.SetDefault("engine.probe_delay_seconds", cfg.Engine.ProbeDelaySeconds)
	v.SetDefault("engine.probe_max_attempts", cfg.Engine.ProbeMaxAttempts)
	v.SetDefault("engine.probe_budget_seconds", cfg.Engine.ProbeBudgetSeconds)
	v.SetDefault("engine.session_count", cfg.Engine.SessionCount)
	v.SetDefault("engine.session_prefix", cfg.Engine.SessionPrefix)
	v.SetDefault("engine.slot_open_delay_ms", cfg.Engine.SlotOpenDelayMillis)
	v.SetDefault("engine.reset_settle_ms", cfg.Engine.ResetSettleMillis)
	v.SetDefault("engine.burst_threshold_ms", cfg.Engine.BurstThresholdMillis)
	v.SetDefault("engine.short_flush_ms", cfg.Engine.ShortFlushMillis)
	v.SetDefault("engine.long_flush_ms", cfg.Engine.LongFlushMillis)
	v.SetDefault("terminal.columns", cfg.Terminal.Columns)
	v.SetDefault("terminal.rows", cfg.Terminal.Rows)
	v.SetDefault("terminal.term", cfg.Terminal.Term)
	v.SetDefault("ssh.known_hosts_path", cfg.SSH.KnownHostsPath)
	v.SetDefault("ssh.default_port", cfg.SSH.DefaultPort)
	v.SetDefault("hosts", cfg.Hosts)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.SSH.KnownHostsPath = expandEnv(cfg.SSH.KnownHostsPath)
	for i := range cfg.Hosts {
		cfg.Hosts[i].KeyPath = expandEnv(cfg.Hosts[i].KeyPath)
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if _, err := cfg.EngineSettings(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		if h.Name == "" {
			return fmt.Errorf("host profile without a name")
		}
		if h.Host == "" {
			return fmt.Errorf("host profile %q has no host", h.Name)
		}
		if seen[h.Name] {
			return fmt.Errorf("duplicate host profile %q", h.Name)
		}
		seen[h.Name] = true
	}
	return nil
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
