package config

import (
	"os"
	"time"

	"codeberg.org/mynte/vsyncctl/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel    = "info"
	defaultRefreshRate = 60
	defaultDBPath      = "/var/lib/vsyncctl/telemetry.db"

	maxRefreshRate = 1000
	maxOffset      = 100 * time.Millisecond
)

// OffsetConfig holds the timing offsets of a single vsync profile. Offsets are
// relative to the vsync deadline; the modulator treats them as opaque.
type OffsetConfig struct {
	App        time.Duration `mapstructure:"app"`
	Compositor time.Duration `mapstructure:"compositor"`
}

// OffsetsConfig holds the three vsync offset profiles.
type OffsetsConfig struct {
	Early    OffsetConfig `mapstructure:"early"`
	EarlyGpu OffsetConfig `mapstructure:"early_gpu"`
	Late     OffsetConfig `mapstructure:"late"`
}

type Config struct {
	RefreshRate int           `mapstructure:"refresh_rate"`
	Duration    int           `mapstructure:"duration"`
	Seed        int64         `mapstructure:"seed"`
	LogLevel    string        `mapstructure:"log_level"`
	Telemetry   bool          `mapstructure:"telemetry"`
	TelemetryDB string        `mapstructure:"database"`
	Offsets     OffsetsConfig `mapstructure:"offsets"`
}

// Load reads configuration from the config file (path from VSYNCCTL_CONFIG,
// falling back to /etc/vsyncctl.toml), environment variables with the
// VSYNCCTL prefix, and command line flags, in ascending precedence.
func Load() (*Config, error) {
	errFactory := errors.New()
	v := viper.New()

	flags := pflag.NewFlagSet("vsyncctl", pflag.ContinueOnError)
	// Tolerate flags owned by other packages, e.g. the test binary's -test.*
	flags.ParseErrorsWhitelist.UnknownFlags = true
	flags.Int("refresh-rate", defaultRefreshRate, "Display refresh rate in Hz")
	flags.Int("duration", 0, "Seconds to run before exiting (0 = until signalled)")
	flags.Int64("seed", 0, "Workload seed (0 = derive from current time)")
	flags.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	flags.Bool("telemetry", false, "Enable telemetry collection")
	flags.String("database", defaultDBPath, "Path to the telemetry database")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	bindings := map[string]string{
		"refresh_rate": "refresh-rate",
		"duration":     "duration",
		"seed":         "seed",
		"log_level":    "log-level",
		"telemetry":    "telemetry",
		"database":     "database",
	}
	for key, flagName := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flagName)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	setOffsetDefaults(v)

	v.SetEnvPrefix("VSYNCCTL")
	v.AutomaticEnv()

	if path := os.Getenv("VSYNCCTL_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("vsyncctl")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func setOffsetDefaults(v *viper.Viper) {
	v.SetDefault("offsets.early.app", "5ms")
	v.SetDefault("offsets.early.compositor", "4ms")
	v.SetDefault("offsets.early_gpu.app", "4ms")
	v.SetDefault("offsets.early_gpu.compositor", "4ms")
	v.SetDefault("offsets.late.app", "2ms")
	v.SetDefault("offsets.late.compositor", "1ms")
}

// Validate checks the loaded configuration for values the pipeline
// cannot operate with.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	if c.RefreshRate <= 0 || c.RefreshRate > maxRefreshRate {
		return errFactory.WithData(errors.ErrInvalidRefreshRate, c.RefreshRate)
	}

	for _, offsets := range []OffsetConfig{c.Offsets.Early, c.Offsets.EarlyGpu, c.Offsets.Late} {
		if offsets.App > maxOffset || offsets.App < -maxOffset ||
			offsets.Compositor > maxOffset || offsets.Compositor < -maxOffset {
			return errFactory.WithData(errors.ErrInvalidOffsets, offsets)
		}
	}

	if c.Telemetry && c.TelemetryDB == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "telemetry enabled without a database path")
	}

	return nil
}
