// Package config loads gputraced's runtime configuration from a file
// and environment variables via viper, the way
// cmd/common/daemon_config.go and cmd/root.go in the rest of this
// tracing stack do.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is gputraced's resolved runtime configuration.
type Config struct {
	NodeName string `mapstructure:"node_name"`

	CollectorAddress string `mapstructure:"collector_address"`
	CollectorPort    string `mapstructure:"collector_port"`

	MetricsAddress string `mapstructure:"metrics_address"`

	LatenessWindow time.Duration `mapstructure:"lateness_window"`

	NumLogicalSlots     uint32 `mapstructure:"num_logical_slots"`
	ResetBatchThreshold int    `mapstructure:"reset_batch_threshold"`

	BatchWindow time.Duration `mapstructure:"batch_window"`

	RingBufferDevicePath string `mapstructure:"ringbuffer_device_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node_name", "gputraced")
	v.SetDefault("collector_address", "127.0.0.1")
	v.SetDefault("collector_port", "9443")
	v.SetDefault("metrics_address", "127.0.0.1:19100")
	v.SetDefault("lateness_window", 100*time.Millisecond)
	v.SetDefault("num_logical_slots", 16384)
	v.SetDefault("reset_batch_threshold", 64)
	v.SetDefault("batch_window", 2*time.Second)
	v.SetDefault("ringbuffer_device_path", "")
}

// Load reads configuration from GPUTRACE_-prefixed environment
// variables, then configPath (if non-empty), then viper's in-process
// defaults, in that order of precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("gputrace")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
