// Package config holds the settings of a govmx run. They are read from a
// TOML file; command line flags override individual values.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownKeys = errors.New("unknown configuration keys")
	ErrInvalid     = errors.New("invalid configuration")
)

// Config describes the simulated machine and the process run on it.
type Config struct {
	// Cores is the number of logical processors.
	Cores int `toml:"cores"`
	// GPCs is the number of guest cores of the process.
	GPCs int `toml:"gpcs"`
	// Memory bounds the host pages the hypervisor may allocate, as
	// number[gGmMkK].
	Memory string `toml:"memory"`
	// Quantum is the number of guest instructions between timer ticks.
	Quantum int `toml:"quantum"`
	// Reflections is how many unhandled exits may wait for the process.
	Reflections int `toml:"reflections"`
	// Message is what the demo guest prints.
	Message string `toml:"message"`
	// Console enables the print hypercall.
	Console bool `toml:"console"`
	// LogLevel is a logrus level name.
	LogLevel string `toml:"log_level"`
}

const (
	defaultCores       = 2
	defaultGPCs        = 2
	defaultMemory      = "16M"
	defaultQuantum     = 4096
	defaultReflections = 8
	defaultMessage     = "hello from govmx\n"
	defaultLogLevel    = "info"
)

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Cores:       defaultCores,
		GPCs:        defaultGPCs,
		Memory:      defaultMemory,
		Quantum:     defaultQuantum,
		Reflections: defaultReflections,
		Message:     defaultMessage,
		Console:     true,
		LogLevel:    defaultLogLevel,
	}
}

// Load reads path on top of the defaults. Keys the file sets that
// Config does not know are an error.
func Load(path string) (Config, error) {
	c := Default()

	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return c, fmt.Errorf("config %s: %w", path, err)
	}

	if undec := md.Undecoded(); len(undec) != 0 {
		keys := make([]string, 0, len(undec))
		for _, k := range undec {
			keys = append(keys, k.String())
		}

		return c, fmt.Errorf("config %s: %w: %s", path, ErrUnknownKeys, strings.Join(keys, ", "))
	}

	return c, nil
}

// Decode parses TOML text on top of the defaults.
func Decode(text string) (Config, error) {
	c := Default()

	if _, err := toml.Decode(text, &c); err != nil {
		return c, err
	}

	return c, nil
}

// MemoryPages returns the page budget in 4 KiB pages.
func (c Config) MemoryPages() (int, error) {
	n, err := ParseSize(c.Memory, "m")
	if err != nil {
		return 0, err
	}

	return n >> 12, nil
}

// Validate checks the values that have no meaningful fallback.
func (c Config) Validate() error {
	switch {
	case c.Cores <= 0:
		return fmt.Errorf("%w: cores %d", ErrInvalid, c.Cores)
	case c.GPCs <= 0:
		return fmt.Errorf("%w: gpcs %d", ErrInvalid, c.GPCs)
	case c.Reflections <= 0:
		return fmt.Errorf("%w: reflections %d", ErrInvalid, c.Reflections)
	}

	pages, err := c.MemoryPages()
	if err != nil {
		return fmt.Errorf("%w: memory: %w", ErrInvalid, err)
	}

	if pages == 0 {
		return fmt.Errorf("%w: memory %q below one page", ErrInvalid, c.Memory)
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return nil
}

// Level returns the configured log level, info when it does not parse.
func (c Config) Level() logrus.Level {
	l, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}

	return l
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}
