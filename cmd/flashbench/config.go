package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/saylorsolutions/flashbus"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DefaultEvents    = 100_000
	DefaultProducers = 1
	DefaultMode      = "background"
	DefaultTimeout   = 30 * time.Second
	DefaultLogLevel  = "info"

	envPrefix = "FLASHBENCH"
)

// Config holds the settings for one benchmark run.
// Flags that were set win over FLASHBENCH_* environment variables, which win over the config file.
type Config struct {
	Events    int           `mapstructure:"events"`
	Producers int           `mapstructure:"producers"`
	Mode      string        `mapstructure:"mode"`
	Timeout   time.Duration `mapstructure:"timeout"`
	LogLevel  string        `mapstructure:"log-level"`
	NoColor   bool          `mapstructure:"no-color"`
	File      string        `mapstructure:"config"`
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("flashbench", flag.ContinueOnError)
	fs.Int("events", DefaultEvents, "Number of events to post")
	fs.Int("producers", DefaultProducers, "Number of goroutines posting events concurrently")
	fs.String("mode", DefaultMode, "Execution context of the benchmark handler, 'main' or 'background'")
	fs.Duration("timeout", DefaultTimeout, "Maximum time to wait for every event to be delivered")
	fs.String("config", "", "Optional config file (YAML, JSON, or TOML)")
	fs.String("log-level", DefaultLogLevel, "Log level: debug, info, warn, or error")
	fs.Bool("no-color", false, "Disable styled output")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Posts a burst of events through a flashbus event bus and reports delivery latency.\n\nUSAGE:\nflashbench [FLAGS]\n\nFLAGS\n%s", fs.FlagUsages())
	}
	return fs
}

// loadConfig parses args and merges them with the environment and config file.
// [flag.ErrHelp] is returned as-is when help is requested.
func loadConfig(args []string) (*Config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	if path := v.GetString("config"); len(path) > 0 {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Events < 1 {
		errs = append(errs, fmt.Errorf("events must be at least 1, got %d", c.Events))
	}
	if c.Producers < 1 {
		errs = append(errs, fmt.Errorf("producers must be at least 1, got %d", c.Producers))
	}
	if c.Producers > c.Events && c.Events > 0 {
		errs = append(errs, fmt.Errorf("producers (%d) can't exceed events (%d)", c.Producers, c.Events))
	}
	if _, err := c.ThreadMode(); err != nil {
		errs = append(errs, err)
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ThreadMode maps the configured mode name to a [flashbus.ThreadMode].
func (c *Config) ThreadMode() (flashbus.ThreadMode, error) {
	switch strings.ToLower(c.Mode) {
	case flashbus.Main.String():
		return flashbus.Main, nil
	case flashbus.Background.String():
		return flashbus.Background, nil
	default:
		return 0, fmt.Errorf("%w: '%s'", flashbus.ErrInvalidMode, c.Mode)
	}
}

// Logger builds a development logger at debug level, and a production logger otherwise.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if level == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
