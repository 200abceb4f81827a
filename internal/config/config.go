package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Simulation SimulationConfig `toml:"simulation"`
	Broadphase BroadphaseConfig `toml:"broadphase"`
	Data       DataConfig       `toml:"data"`
	Logging    LoggingConfig    `toml:"logging"`
}

type SimulationConfig struct {
	Name     string        `toml:"name"`
	TickRate time.Duration `toml:"tick_rate"`
	MaxTicks int           `toml:"max_ticks"` // 0 = run until signalled
}

type BroadphaseConfig struct {
	Enabled  bool `toml:"enabled"`
	LogPairs bool `toml:"log_pairs"` // log every candidate pair at info level
}

type DataConfig struct {
	GridList   string `toml:"grid_list"`   // yaml grid prototypes
	ScriptsDir string `toml:"scripts_dir"` // lua scenario scripts
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Simulation.TickRate <= 0 {
		return fmt.Errorf("simulation.tick_rate must be positive, got %s", c.Simulation.TickRate)
	}
	if c.Simulation.MaxTicks < 0 {
		return fmt.Errorf("simulation.max_ticks must not be negative, got %d", c.Simulation.MaxTicks)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q: want json or console", c.Logging.Format)
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Simulation: SimulationConfig{
			Name:     "gridsim",
			TickRate: 50 * time.Millisecond,
			MaxTicks: 0,
		},
		Broadphase: BroadphaseConfig{
			Enabled:  true,
			LogPairs: false,
		},
		Data: DataConfig{
			GridList:   "data/yaml/grid_list.yaml",
			ScriptsDir: "scripts",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
