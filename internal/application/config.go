package application

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/riskrun/internal/breaker"
	"github.com/sawpanic/riskrun/internal/domain/kelly"
	"github.com/sawpanic/riskrun/internal/domain/zone"
	"github.com/sawpanic/riskrun/internal/gatekeeper"
)

// Config is the full engine configuration, loaded once at startup and static
// for the process lifetime. Changing it requires a restart.
type Config struct {
	Server struct {
		ListenAddr string `yaml:"listen_addr"`
		// AdminRPS throttles the privileged reset endpoint.
		AdminRPS   float64 `yaml:"admin_rps"`
		AdminBurst int     `yaml:"admin_burst"`
	} `yaml:"server"`

	Redis struct {
		Addr string `yaml:"addr"`
		DB   int    `yaml:"db"`
		// Enabled false falls back to the in-memory store (backtests only;
		// breaker state will not survive a restart).
		Enabled bool `yaml:"enabled"`
	} `yaml:"redis"`

	Journal struct {
		// Driver is "sqlite3" or "postgres"; empty disables the audit trail.
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"journal"`

	Zones      []zone.Band       `yaml:"zones"`
	Kelly      kelly.Config      `yaml:"kelly"`
	Breakers   breaker.Config    `yaml:"breakers"`
	Gatekeeper gatekeeper.Config `yaml:"gatekeeper"`
}

// DefaultConfig returns a runnable local configuration with the documented
// production thresholds.
func DefaultConfig() *Config {
	cfg := &Config{
		Zones:      zone.DefaultBands(),
		Kelly:      kelly.DefaultConfig(),
		Breakers:   breaker.DefaultConfig(),
		Gatekeeper: gatekeeper.DefaultConfig(),
	}
	cfg.Server.ListenAddr = ":8090"
	cfg.Server.AdminRPS = 1
	cfg.Server.AdminBurst = 3
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.Enabled = true
	cfg.Journal.Driver = "sqlite3"
	cfg.Journal.DSN = "riskrun_journal.db"
	return cfg
}

// Load reads the YAML config, applies environment overrides, and validates.
// Any validation failure must abort startup.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployment addresses come from the environment (or a .env
// file loaded by the CLI) without editing the YAML.
func (c *Config) applyEnv() {
	if v := os.Getenv("RISKRUN_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("RISKRUN_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("RISKRUN_JOURNAL_DSN"); v != "" {
		c.Journal.DSN = v
	}
}

func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("config: server.listen_addr must be set")
	}
	if c.Server.AdminRPS <= 0 || c.Server.AdminBurst <= 0 {
		return fmt.Errorf("config: admin rate limit must be positive")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr must be set when redis is enabled")
	}
	switch c.Journal.Driver {
	case "", "sqlite3", "postgres":
	default:
		return fmt.Errorf("config: unknown journal driver %q", c.Journal.Driver)
	}
	if c.Journal.Driver != "" && c.Journal.DSN == "" {
		return fmt.Errorf("config: journal.dsn must be set when a driver is configured")
	}

	// Component configs validate themselves; zone contiguity is checked by
	// the classifier constructor, re-run here so a bad file fails fast.
	if _, err := zone.NewClassifier(c.Zones); err != nil {
		return err
	}
	if err := c.Kelly.Validate(); err != nil {
		return err
	}
	if err := c.Breakers.Validate(); err != nil {
		return err
	}
	return c.Gatekeeper.Validate()
}
