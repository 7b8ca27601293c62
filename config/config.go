// Package config loads the vcap TOML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/c35s/vcap/device"
	"github.com/c35s/vcap/engine"
	"github.com/c35s/vcap/sg"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
)

// Config is the configuration file.
type Config struct {
	LogLevel    string `toml:"log_level"`
	LogJSON     bool   `toml:"log_json"`
	MetricsAddr string `toml:"metrics_addr"`

	Queue    Queue    `toml:"queue"`
	Stop     Stop     `toml:"stop"`
	Hardware Hardware `toml:"hardware"`
	Engines  []Engine `toml:"engine"`
}

type Queue struct {
	MaxBuffers int `toml:"max_buffers"`
	BlockSize  int `toml:"block_size"`
}

// Stop bounds the wait for an engine to go idle at stream off.
type Stop struct {
	Retries  int      `toml:"retries"`
	Interval Duration `toml:"interval"`
}

// Hardware names the host resources the card is reached through.
type Hardware struct {

	// UIO is the UIO device whose PCI BARs hold the register files.
	UIO string `toml:"uio"`

	// BARs lists the BAR numbers in use; an engine's bar indexes this list.
	BARs []int `toml:"bars"`

	// IRQs maps interrupt lines to UIO devices: line i is IRQs[i].
	IRQs []string `toml:"irqs"`

	// Descriptors and Pool are u-dma-buf region names. Pool is optional.
	Descriptors string `toml:"descriptors"`
	Pool        string `toml:"pool"`
}

type Engine struct {
	Name      string `toml:"name"`
	Family    string `toml:"family"`
	Direction string `toml:"direction"`
	Channel   int    `toml:"channel"`
	Window    uint64 `toml:"window"`
	IRQ       int    `toml:"irq"`
	BAR       int    `toml:"bar"`
}

// Duration is a time.Duration written as a string ("100us").
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}

	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

var ErrLoad = errors.New("config: load failed")

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Hardware: Hardware{
			UIO:         "uio0",
			BARs:        []int{0},
			IRQs:        []string{"uio0"},
			Descriptors: "udmabuf0",
		},
	}
}

// Load reads the file at path over the defaults. Unknown keys are errors.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoad, err)
	}

	cfg, err := Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoad, path, err)
	}

	return cfg, nil
}

// Decode reads a configuration over the defaults.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()

	// lists replace the defaults rather than merging into them
	cfg.Hardware.BARs = nil
	cfg.Hardware.IRQs = nil

	dec := toml.NewDecoder(r).DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var sme *toml.StrictMissingError
		if errors.As(err, &sme) {
			return nil, errors.New(sme.String())
		}

		return nil, err
	}

	def := Default()
	if cfg.Hardware.BARs == nil {
		cfg.Hardware.BARs = def.Hardware.BARs
	}

	if cfg.Hardware.IRQs == nil {
		cfg.Hardware.IRQs = def.Hardware.IRQs
	}

	return cfg, nil
}

// RegisterFlags adds the flags Override reads to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.Bool("log-json", false, "log as JSON")
	fs.String("metrics-addr", "", "serve prometheus metrics on this address")
	fs.Int("max-buffers", 0, "cap the buffer count of every queue")
}

// Override applies the flags of fs that were set on the command line.
// Flags left at their defaults do not override the file.
func (cfg *Config) Override(fs *pflag.FlagSet) error {
	var err error

	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}

		switch f.Name {
		case "log-level":
			cfg.LogLevel = f.Value.String()

		case "log-json":
			cfg.LogJSON, err = fs.GetBool(f.Name)

		case "metrics-addr":
			cfg.MetricsAddr = f.Value.String()

		case "max-buffers":
			cfg.Queue.MaxBuffers, err = fs.GetInt(f.Name)
		}
	})

	return err
}

// Level parses the log level.
func (cfg *Config) Level() (slog.Level, error) {
	var l slog.Level
	if cfg.LogLevel == "" {
		return slog.LevelInfo, nil
	}

	if err := l.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}

	return l, nil
}

// Logger builds the logger the configuration asks for.
func (cfg *Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogJSON {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}

	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// Device converts the file to a device configuration.
func (cfg *Config) Device(log *slog.Logger) (device.Config, error) {
	dc := device.Config{
		MaxBuffers:   cfg.Queue.MaxBuffers,
		BlockSize:    cfg.Queue.BlockSize,
		StopRetries:  cfg.Stop.Retries,
		StopInterval: time.Duration(cfg.Stop.Interval),
		Logger:       log,
	}

	for _, e := range cfg.Engines {
		family, err := engine.ParseFamily(e.Family)
		if err != nil {
			return device.Config{}, fmt.Errorf("%w: engine %q: %w", device.ErrConfig, e.Name, err)
		}

		dir, err := sg.ParseDirection(e.Direction)
		if err != nil {
			return device.Config{}, fmt.Errorf("%w: engine %q: %w", device.ErrConfig, e.Name, err)
		}

		if e.BAR < 0 || e.BAR >= len(cfg.Hardware.BARs) {
			return device.Config{}, fmt.Errorf("%w: engine %q: bar index %d not in hardware.bars", device.ErrConfig, e.Name, e.BAR)
		}

		dc.Engines = append(dc.Engines, device.EngineConfig{
			Name:    e.Name,
			Family:  family,
			Dir:     dir,
			Channel: e.Channel,
			Window:  e.Window,
			IRQ:     e.IRQ,
			BAR:     e.BAR,
		})
	}

	return dc, nil
}

// Engine returns the named engine's entry.
func (cfg *Config) Engine(name string) (Engine, bool) {
	for _, e := range cfg.Engines {
		if e.Name == name {
			return e, true
		}
	}

	return Engine{}, false
}
