// Package config is used to load the adapter configuration
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/ehrlich-b/go-ioa/internal/constants"
	"github.com/ehrlich-b/go-ioa/internal/wire"
)

// EnvPrefix is prepended to environment overrides, e.g. IOA_ARENA_SIZE
const EnvPrefix = "IOA"

type arena struct {
	Size            int `mapstructure:"size"`
	MaxSGEntries    int `mapstructure:"max_sg_entries"`
	PagesPerSegment int `mapstructure:"pages_per_segment"`
	Resources       int `mapstructure:"resources"`
	TraceEntries    int `mapstructure:"trace_entries"`
}

type hcam struct {
	ErrorLog     int `mapstructure:"error_log"`
	ConfigChange int `mapstructure:"config_change"`
}

type reset struct {
	MaxRetries int `mapstructure:"max_retries"`
}

type timeouts struct {
	IO             time.Duration `mapstructure:"io"`
	Internal       time.Duration `mapstructure:"internal"`
	ResetAlert     time.Duration `mapstructure:"reset_alert"`
	Poll           time.Duration `mapstructure:"poll"`
	BIST           time.Duration `mapstructure:"bist"`
	Operational    time.Duration `mapstructure:"operational"`
	CancelAll      time.Duration `mapstructure:"cancel_all"`
	RequestSense   time.Duration `mapstructure:"request_sense"`
	Abort          time.Duration `mapstructure:"abort"`
	DeviceReset    time.Duration `mapstructure:"device_reset"`
	Shutdown       time.Duration `mapstructure:"shutdown"`
	AbbrevShutdown time.Duration `mapstructure:"abbrev_shutdown"`
}

type bus struct {
	MaxRate     uint32 `mapstructure:"max_rate"`
	Width       uint8  `mapstructure:"width"`
	Termination string `mapstructure:"termination"`
}

type logConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the configuration struct
type Config struct {
	Arena    arena     `mapstructure:"arena"`
	HCAM     hcam      `mapstructure:"hcam"`
	Reset    reset     `mapstructure:"reset"`
	Timeouts timeouts  `mapstructure:"timeouts"`
	Bus      bus       `mapstructure:"bus"`
	Log      logConfig `mapstructure:"log"`
}

// SetDefaults registers every knob with its default value
func SetDefaults(v *viper.Viper) {
	v.SetDefault("arena.size", constants.DefaultArenaSize)
	v.SetDefault("arena.max_sg_entries", constants.DefaultMaxSGEntries)
	v.SetDefault("arena.pages_per_segment", constants.DefaultPagesPerSegment)
	v.SetDefault("arena.resources", constants.DefaultMaxResources)
	v.SetDefault("arena.trace_entries", constants.DefaultTraceEntries)

	v.SetDefault("hcam.error_log", constants.DefaultErrorLogListeners)
	v.SetDefault("hcam.config_change", constants.DefaultConfigChangeListeners)

	v.SetDefault("reset.max_retries", constants.DefaultMaxResetRetries)

	v.SetDefault("timeouts.io", constants.DefaultIOTimeout)
	v.SetDefault("timeouts.internal", constants.DefaultInternalTimeout)
	v.SetDefault("timeouts.reset_alert", constants.DefaultResetAlertTimeout)
	v.SetDefault("timeouts.poll", constants.DefaultPollInterval)
	v.SetDefault("timeouts.bist", constants.DefaultBISTDelay)
	v.SetDefault("timeouts.operational", constants.DefaultOperationalTimeout)
	v.SetDefault("timeouts.cancel_all", constants.DefaultCancelAllTimeout)
	v.SetDefault("timeouts.request_sense", constants.DefaultRequestSenseTimeout)
	v.SetDefault("timeouts.abort", constants.DefaultAbortTimeout)
	v.SetDefault("timeouts.device_reset", constants.DefaultDeviceResetTimeout)
	v.SetDefault("timeouts.shutdown", constants.DefaultShutdownTimeout)
	v.SetDefault("timeouts.abbrev_shutdown", constants.DefaultAbbrevShutdownTimeout)

	v.SetDefault("bus.max_rate", constants.DefaultMaxBusSpeedMBs)
	v.SetDefault("bus.width", constants.DefaultBusWidth)
	v.SetDefault("bus.termination", "lvd")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// New returns a viper instance with defaults, search paths and environment
// overrides configured
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigName("ioa")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.ioa")
	v.AddConfigPath("/etc/ioa")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the configuration with every knob at its default
func Default() *Config {
	c, err := Unmarshal(New())
	if err != nil {
		// defaults always verify
		panic(err)
	}
	return c
}

// Load reads the config file at path, or searches the default locations
// when path is empty. A missing file in the search path is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "config: failed to read")
		}
	}
	return Unmarshal(v)
}

// Unmarshal decodes and verifies the settings held by v
func Unmarshal(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "config: failed to unmarshal")
	}
	if err := c.verify(); err != nil {
		return nil, errors.Wrap(err, "config: failed to verify")
	}
	return &c, nil
}

func (c *Config) verify() error {
	if c.Arena.Size <= 0 {
		return errors.Errorf("arena.size must be positive, got %d", c.Arena.Size)
	}
	if c.Arena.MaxSGEntries <= 0 {
		return errors.Errorf("arena.max_sg_entries must be positive, got %d", c.Arena.MaxSGEntries)
	}
	if c.Arena.Resources <= 0 {
		return errors.Errorf("arena.resources must be positive, got %d", c.Arena.Resources)
	}
	if c.HCAM.ErrorLog < 0 || c.HCAM.ConfigChange < 0 {
		return errors.New("hcam quotas cannot be negative")
	}
	if c.Reset.MaxRetries < 0 {
		return errors.Errorf("reset.max_retries cannot be negative, got %d", c.Reset.MaxRetries)
	}
	if c.Arena.PagesPerSegment <= 0 {
		c.Arena.PagesPerSegment = 1
	}
	if c.Arena.TraceEntries <= 0 {
		c.Arena.TraceEntries = 1
	}
	if _, err := ParseTermination(c.Bus.Termination); err != nil {
		return err
	}
	for name, d := range map[string]time.Duration{
		"io":          c.Timeouts.IO,
		"internal":    c.Timeouts.Internal,
		"poll":        c.Timeouts.Poll,
		"operational": c.Timeouts.Operational,
	} {
		if d <= 0 {
			return errors.Errorf("timeouts.%s must be positive", name)
		}
	}
	return nil
}

// ParseTermination maps a termination name to its mode page value
func ParseTermination(s string) (uint8, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return wire.TermNone, nil
	case "se":
		return wire.TermSE, nil
	case "lvd":
		return wire.TermLVD, nil
	default:
		return 0, errors.Errorf("unknown bus termination %q", s)
	}
}

// Termination returns the configured termination as a mode page value
func (c *Config) Termination() uint8 {
	t, _ := ParseTermination(c.Bus.Termination)
	return t
}
