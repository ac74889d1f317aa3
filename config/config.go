package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const DefaultFile = "vakt.toml"

type ProgConf struct {
	Name string
	Args []string
}

type FwConf struct {
	// Backend is "auto" (or empty), "polling", or one of the native backends
	// "darwin", "linux" and "windows".
	Backend string
	// Root is the watched directory, the working directory when empty.
	Root            string
	Ignore          []string
	RelativatePaths bool
	Recursive       bool
	// Latency is the polling interval in milliseconds.
	Latency int
	// Seed records checksums of the whole tree at startup.
	Seed bool
}

type SSEConfig struct {
	Enable         bool
	Port           int
	RestartTimeout int
}

type LoggerConf struct {
	// Style is "terminal" for colored output, anything else gives plain slog text.
	Style   string
	Verbose bool
}

type Config struct {
	Program     ProgConf
	Build       ProgConf
	Filewatcher FwConf
	SSE         SSEConfig
	Logger      LoggerConf
}

var ConfigNotFound = errors.New("Config file not found")

func DefaultConfig() *Config {
	return &Config{
		Program: ProgConf{
			Name: "./a.out",
			Args: []string{},
		},
		Build: ProgConf{
			Name: "go",
			Args: []string{"build", "-o", "a.out", "./"},
		},
		Filewatcher: FwConf{
			Backend:         "auto",
			Ignore:          []string{"^\\.#", "^#", "~$", "_test\\.go$", "a\\.out$"},
			RelativatePaths: true,
			Recursive:       true,
			Latency:         1500,
			Seed:            true,
		},
		SSE: SSEConfig{
			Enable:         true,
			Port:           8888,
			RestartTimeout: 500,
		},
		Logger: LoggerConf{
			Style: "terminal",
		},
	}
}

func (c *Config) IsValid() bool {
	return c.Program.Name != "" && c.Build.Name != "" && c.Filewatcher.Latency >= 0 && c.SSE.Port >= 0
}

// ReadConfig decodes configFile on top of DefaultConfig, so keys missing from the
// file keep their default values.
func ReadConfig(configFile string) (*Config, error) {
	if _, err := os.Stat(configFile); errors.Is(err, os.ErrNotExist) {
		return nil, ConfigNotFound
	}

	config := DefaultConfig()
	if _, err := toml.DecodeFile(configFile, config); err != nil {
		return nil, fmt.Errorf("Unable to decode %s: [%w]", configFile, err)
	}
	return config, nil
}

// Write stores c as TOML in configFile, replacing whatever was there.
func (c *Config) Write(configFile string) error {
	file, err := os.Create(configFile)
	if err != nil {
		return fmt.Errorf("Failed to create %s: [%w]", configFile, err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(c); err != nil {
		return fmt.Errorf("Failed to encode config: [%w]", err)
	}
	return nil
}
