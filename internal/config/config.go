package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/fallhelp/monitor/internal/fallhelp/types"
)

const (
	CacheMemory = "memory"
	CacheSQLite = "sqlite"
)

type Config struct {
	// Live server
	ServerURL string         `yaml:"server_url"` // e.g. "wss://api.fallhelp.app/live"
	APIURL    string         `yaml:"api_url"`    // REST base for snapshot re-fetch
	Token     string         `yaml:"token"`
	Identity  types.Identity `yaml:"identity"`

	// Liveness
	WatchdogTick   time.Duration `yaml:"watchdog_tick"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`

	// Cache
	Cache  string `yaml:"cache"`   // "memory" | "sqlite"
	DBPath string `yaml:"db_path"` // e.g. "./data/fallhelp-cache.db"

	// Local surfaces
	StatusAddr string `yaml:"status_addr"`
	HealthAddr string `yaml:"health_addr"` // empty = no gRPC health server
	LogLevel   string `yaml:"log_level"`

	// File is the YAML file the config was read from, if any.
	File string `yaml:"-"`
}

func Defaults() Config {
	return Config{
		ServerURL:      "ws://localhost:3000/live",
		APIURL:         "http://localhost:3000",
		WatchdogTick:   5 * time.Second,
		StaleAfter:     60 * time.Second,
		BackoffInitial: time.Second,
		BackoffMax:     30 * time.Second,
		Cache:          CacheMemory,
		DBPath:         "./data/fallhelp-cache.db",
		StatusAddr:     "127.0.0.1:8787",
		LogLevel:       "info",
	}
}

// FromEnv reads FALLHELP_* variables over the defaults.  Unparseable values
// fall back to the default.
func FromEnv() Config {
	c := Defaults()
	c.applyEnv()
	c.normalize()
	return c
}

// Load layers defaults, then the YAML file at path (skipped when empty),
// then the environment.
func Load(path string) (Config, error) {
	c := Defaults()
	if path != "" {
		if err := c.mergeFile(path); err != nil {
			return Config{}, err
		}
		c.File = path
	}
	c.applyEnv()
	c.normalize()
	return c, nil
}

// LoadDefault is Load with the path taken from FALLHELP_CONFIG.
func LoadDefault() (Config, error) {
	return Load(strings.TrimSpace(os.Getenv("FALLHELP_CONFIG")))
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServerURL = getenvDefault("FALLHELP_SERVER_URL", c.ServerURL)
	c.APIURL = getenvDefault("FALLHELP_API_URL", c.APIURL)
	c.Token = getenvDefault("FALLHELP_TOKEN", c.Token)
	c.Identity.UserID = getenvDefault("FALLHELP_USER_ID", c.Identity.UserID)
	c.Identity.ElderID = getenvDefault("FALLHELP_ELDER_ID", c.Identity.ElderID)

	c.WatchdogTick = getenvDuration("FALLHELP_WATCHDOG_TICK", c.WatchdogTick)
	c.StaleAfter = getenvDuration("FALLHELP_STALE_AFTER", c.StaleAfter)
	c.BackoffInitial = getenvDuration("FALLHELP_BACKOFF_INITIAL", c.BackoffInitial)
	c.BackoffMax = getenvDuration("FALLHELP_BACKOFF_MAX", c.BackoffMax)

	c.Cache = getenvDefault("FALLHELP_CACHE", c.Cache)
	c.DBPath = getenvDefault("FALLHELP_DB_PATH", c.DBPath)

	c.StatusAddr = getenvDefault("FALLHELP_STATUS_ADDR", c.StatusAddr)
	c.HealthAddr = getenvDefault("FALLHELP_HEALTH_ADDR", c.HealthAddr)
	c.LogLevel = getenvDefault("FALLHELP_LOG_LEVEL", c.LogLevel)
}

func (c *Config) normalize() {
	c.Identity = c.Identity.Normalize()

	c.Cache = strings.ToLower(strings.TrimSpace(c.Cache))
	if c.Cache != CacheMemory && c.Cache != CacheSQLite {
		// fail-soft: unknown backend means memory
		c.Cache = CacheMemory
	}

	d := Defaults()
	if c.WatchdogTick <= 0 {
		c.WatchdogTick = d.WatchdogTick
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = d.BackoffInitial
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
}

// Validate reports settings the monitor cannot run without.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return errors.New("config: server url is required")
	}
	if c.Identity.IsZero() {
		return errors.New("config: a user id or an elder id is required")
	}
	return nil
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	// bare numbers are seconds
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
