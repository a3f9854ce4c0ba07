// Package config loads service configuration. Values come from the
// environment with the RUNSTREAM_ prefix (RUNSTREAM_SERVER_ADDR, etc.),
// falling back to defaults that make the binary runnable out of the box.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Server    ServerConfig    `mapstructure:"server"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServiceConfig identifies the service instance.
type ServiceConfig struct {
	Name     string `mapstructure:"name" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// ExecutorConfig configures the local process executor.
type ExecutorConfig struct {
	Command    string   `mapstructure:"command" validate:"required"`
	Args       []string `mapstructure:"args"`
	WorkingDir string   `mapstructure:"working_dir"`
}

// DispatchConfig configures the job dispatcher.
type DispatchConfig struct {
	CancelGrace time.Duration `mapstructure:"cancel_grace" validate:"gt=0"`
}

// GatewayConfig configures the live channel.
type GatewayConfig struct {
	QueueSize    int           `mapstructure:"queue_size" validate:"gte=1"`
	PingInterval time.Duration `mapstructure:"ping_interval" validate:"gt=0"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout" validate:"gt=0"`
}

// TelemetryConfig configures tracing and metrics export.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Probability float64 `mapstructure:"probability" validate:"gte=0,lte=1"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load builds the configuration from environment variables and defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RUNSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// AutomaticEnv alone does not surface env-only keys through Unmarshal;
	// each known key is bound explicitly.
	for _, key := range knownKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding config key %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

var knownKeys = []string{
	"service.name",
	"service.log_level",
	"server.addr",
	"server.read_timeout",
	"server.write_timeout",
	"server.idle_timeout",
	"server.shutdown_timeout",
	"executor.command",
	"executor.args",
	"executor.working_dir",
	"dispatch.cancel_grace",
	"gateway.queue_size",
	"gateway.ping_interval",
	"gateway.pong_timeout",
	"telemetry.enabled",
	"telemetry.endpoint",
	"telemetry.probability",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "runstream")
	v.SetDefault("service.log_level", "info")

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)

	v.SetDefault("executor.command", "runstream-worker")
	v.SetDefault("executor.args", []string{})
	v.SetDefault("executor.working_dir", "")

	v.SetDefault("dispatch.cancel_grace", 10*time.Second)

	v.SetDefault("gateway.queue_size", 64)
	v.SetDefault("gateway.ping_interval", 30*time.Second)
	v.SetDefault("gateway.pong_timeout", 90*time.Second)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.probability", 0.05)
}
