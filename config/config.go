package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type HTTP struct {
	Addr string `yaml:"addr"`
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|prod
	Service   string `yaml:"service"`   // room-sync
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

type Storage struct {
	Driver string `yaml:"driver"` // sqlite|postgres
	Path   string `yaml:"path"`   // sqlite file path
	DSN    string `yaml:"dsn"`    // postgres dsn
}

type Hub struct {
	ReadyDelay string `yaml:"readyDelay"` // пауза перед connection_ready
	Heartbeat  string `yaml:"heartbeat"`
}

type Sync struct {
	SessionID   string `yaml:"sessionId"` // пусто = случайный
	Poll        string `yaml:"poll"`
	Heartbeat   string `yaml:"heartbeat"`
	Sweep       string `yaml:"sweep"`
	FinishedTTL string `yaml:"finishedTtl"`
	ActiveTTL   string `yaml:"activeTtl"`
}

type Ledger struct {
	BaseURL string `yaml:"baseUrl"`
	Timeout string `yaml:"timeout"`
}

type Rooms struct {
	RequirePresence bool `yaml:"requirePresence"`
}

type Config struct {
	HTTP    HTTP    `yaml:"http"`
	Logging Logging `yaml:"logging"`
	Storage Storage `yaml:"storage"`
	Hub     Hub     `yaml:"hub"`
	Sync    Sync    `yaml:"sync"`
	Ledger  Ledger  `yaml:"ledger"`
	Rooms   Rooms   `yaml:"rooms"`
}

func LoadConfig() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	return LoadConfigFrom(path)
}

func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	// установка дефолтов, если значения не указаны
	if c.Logging.Service == "" {
		c.Logging.Service = "room-sync"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			c.Storage.Path = "./room-sync.db"
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres driver")
		}
	default:
		return errors.New("storage.driver must be sqlite or postgres")
	}
	return nil
}

// Accessors parse duration fields once at startup; a bad value falls back to
// the default rather than failing the boot.

func (c *Config) HubReadyDelay() time.Duration {
	return parseDurationOr(100*time.Millisecond, c.Hub.ReadyDelay)
}

func (c *Config) HubHeartbeat() time.Duration {
	return parseDurationOr(25*time.Second, c.Hub.Heartbeat)
}

func (c *Config) SyncPoll() time.Duration {
	return parseDurationOr(2*time.Second, c.Sync.Poll)
}

func (c *Config) SyncHeartbeat() time.Duration {
	return parseDurationOr(30*time.Second, c.Sync.Heartbeat)
}

func (c *Config) SyncSweep() time.Duration {
	return parseDurationOr(time.Minute, c.Sync.Sweep)
}

func (c *Config) SyncFinishedTTL() time.Duration {
	return parseDurationOr(10*time.Minute, c.Sync.FinishedTTL)
}

func (c *Config) SyncActiveTTL() time.Duration {
	return parseDurationOr(time.Hour, c.Sync.ActiveTTL)
}

func (c *Config) LedgerTimeout() time.Duration {
	return parseDurationOr(5*time.Second, c.Ledger.Timeout)
}

// helper для парсинга timeout-ов
func parseDurationOr(def time.Duration, s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}
