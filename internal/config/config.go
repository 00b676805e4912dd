// Package config resolves gateway settings from defaults, an optional TOML
// file, the environment (including a .env file) and the command line.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// DefaultPort is the fixed relay port plugins and browsers connect to.
const DefaultPort = 3000

// Config holds gateway settings.
type Config struct {
	BindAddress      string
	Port             int
	DBPath           string
	SectorsPath      string
	LogLevel         string
	AllowedOrigins   []string
	SessionTTL       time.Duration
	SyncCooldown     time.Duration
	PresenceInterval time.Duration
	WatchdogInterval time.Duration
	ProbeTimeout     time.Duration
	JournalSize      int
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		BindAddress:      "127.0.0.1",
		Port:             DefaultPort,
		DBPath:           "data/gateway.db",
		SectorsPath:      "data/sectors.json",
		LogLevel:         "info",
		SessionTTL:       6 * time.Hour,
		SyncCooldown:     5 * time.Second,
		PresenceInterval: 15 * time.Second,
		WatchdogInterval: 10 * time.Second,
		ProbeTimeout:     time.Second,
		JournalSize:      1000,
	}
}

// Addr returns host:port of the relay listener.
func (c Config) Addr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

// Origins returns the CORS origins, derived from the bind address unless set
// explicitly.
func (c Config) Origins() []string {
	if len(c.AllowedOrigins) > 0 {
		return c.AllowedOrigins
	}
	origins := []string{
		fmt.Sprintf("http://%s:5500", c.BindAddress),
		"http://localhost:5500",
		fmt.Sprintf("http://%s:%d", c.BindAddress, c.Port),
		fmt.Sprintf("http://localhost:%d", c.Port),
	}
	seen := make(map[string]bool, len(origins))
	out := origins[:0]
	for _, o := range origins {
		if !seen[o] {
			seen[o] = true
			out = append(out, o)
		}
	}
	return out
}

type fileConfig struct {
	Bind             string   `toml:"bind"`
	Port             int      `toml:"port"`
	DBPath           string   `toml:"db_path"`
	SectorsPath      string   `toml:"sectors_path"`
	LogLevel         string   `toml:"log_level"`
	AllowedOrigins   []string `toml:"allowed_origins"`
	SessionTTL       string   `toml:"session_ttl"`
	SyncCooldown     string   `toml:"sync_cooldown"`
	PresenceInterval string   `toml:"presence_interval"`
	WatchdogInterval string   `toml:"watchdog_interval"`
	JournalSize      int      `toml:"journal_size"`
}

// Load resolves the configuration for a process started with args (without
// the program name). A .env file in the working directory is loaded first.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return resolve(args, os.Getenv)
}

func resolve(args []string, getenv func(string) string) (Config, error) {
	cfg := Default()

	path := getenv("STRIPCOL_CONFIG")
	explicit := path != ""
	if !explicit {
		path = "stripcol.toml"
	}
	if _, err := os.Stat(path); err == nil {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	} else if explicit {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}

	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		cfg.BindAddress = strings.TrimSpace(args[0])
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("bind") {
		cfg.BindAddress = strings.TrimSpace(raw.Bind)
	}
	if meta.IsDefined("port") {
		cfg.Port = raw.Port
	}
	if meta.IsDefined("db_path") {
		cfg.DBPath = strings.TrimSpace(raw.DBPath)
	}
	if meta.IsDefined("sectors_path") {
		cfg.SectorsPath = strings.TrimSpace(raw.SectorsPath)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("allowed_origins") {
		cfg.AllowedOrigins = raw.AllowedOrigins
	}
	if meta.IsDefined("journal_size") {
		cfg.JournalSize = raw.JournalSize
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"session_ttl", raw.SessionTTL, &cfg.SessionTTL},
		{"sync_cooldown", raw.SyncCooldown, &cfg.SyncCooldown},
		{"presence_interval", raw.PresenceInterval, &cfg.PresenceInterval},
		{"watchdog_interval", raw.WatchdogInterval, &cfg.WatchdogInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("STRIPCOL_BIND"); v != "" {
		cfg.BindAddress = v
	}
	if v := getenv("STRIPCOL_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse STRIPCOL_PORT: %w", err)
		}
		cfg.Port = port
	}
	if v := getenv("STRIPCOL_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("STRIPCOL_SECTORS_PATH"); v != "" {
		cfg.SectorsPath = v
	}
	if v := getenv("STRIPCOL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("STRIPCOL_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := getenv("STRIPCOL_SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse STRIPCOL_SESSION_TTL: %w", err)
		}
		cfg.SessionTTL = d
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports settings the gateway cannot run with.
func (c Config) Validate() error {
	if c.BindAddress == "" {
		return errors.New("bind address is empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.SessionTTL < 0 {
		return fmt.Errorf("invalid session_ttl %s", c.SessionTTL)
	}
	if c.SyncCooldown <= 0 || c.WatchdogInterval <= 0 || c.PresenceInterval <= 0 {
		return errors.New("intervals must be positive")
	}
	return nil
}
