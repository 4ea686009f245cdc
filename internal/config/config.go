package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	ServerURL            string `mapstructure:"server_url"`
	AuthToken            string `mapstructure:"auth_token"`
	StatsIntervalSeconds int    `mapstructure:"stats_interval_seconds"`

	ForwardEnabled   bool   `mapstructure:"forward_enabled"`
	ForwardURL       string `mapstructure:"forward_url"`
	ForwardQueueSize int    `mapstructure:"forward_queue_size"`

	BroadcastEnabled bool   `mapstructure:"broadcast_enabled"`
	StunServer       string `mapstructure:"stun_server"`

	LogLevel      string `mapstructure:"log_level"`
	LogFormat     string `mapstructure:"log_format"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
}

func Default() *Config {
	return &Config{
		StatsIntervalSeconds: 30,
		ForwardQueueSize:     64,
		StunServer:           "stun:stun.l.google.com:19302",
		LogLevel:             "info",
		LogFormat:            "text",
		LogMaxSizeMB:         20,
		LogMaxBackups:        3,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("agent")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("LOOPCAP")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("server_url", cfg.ServerURL)
	viper.Set("auth_token", cfg.AuthToken)
	viper.Set("stats_interval_seconds", cfg.StatsIntervalSeconds)
	viper.Set("forward_enabled", cfg.ForwardEnabled)
	viper.Set("forward_url", cfg.ForwardURL)
	viper.Set("forward_queue_size", cfg.ForwardQueueSize)
	viper.Set("broadcast_enabled", cfg.BroadcastEnabled)
	viper.Set("stun_server", cfg.StunServer)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)
	viper.Set("log_file", cfg.LogFile)
	viper.Set("log_max_size_mb", cfg.LogMaxSizeMB)
	viper.Set("log_max_backups", cfg.LogMaxBackups)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "agent.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Restrict config file to owner-only access (contains auth token)
	return os.Chmod(cfgPath, 0600)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Loopcap")
	case "darwin":
		return "/Library/Application Support/Loopcap"
	default:
		return "/etc/loopcap"
	}
}
