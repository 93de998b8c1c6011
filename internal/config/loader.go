package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rpattn/jobledger/internal/db"
	"github.com/spf13/viper"
)

// Store backends for the job order and ledger repositories.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Server holds HTTP server settings
type Server struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

// Ledger holds history and revert settings
type Ledger struct {
	Backend     string
	RevertRoles []string
}

// Config is the full application configuration
type Config struct {
	Database    db.Config
	Server      Server
	Ledger      Ledger
	AutoMigrate bool
	LogLevel    slog.Level
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		Database: db.DefaultConfig(),
		Server: Server{
			Addr:           ":8080",
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Ledger: Ledger{
			Backend:     BackendPostgres,
			RevertRoles: []string{"admin", "manager"},
		},
		AutoMigrate: true,
		LogLevel:    slog.LevelInfo,
	}
}

// Load reads config.yaml from configPath (optional) and environment overrides.
// Database keys keep the DB_ prefix (DB_DATABASE_HOST …); everything else uses
// LEDGER_ (LEDGER_SERVER_ADDR, LEDGER_LEDGER_BACKEND …).
func Load(configPath string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range []string{"host", "port", "user", "password", "dbname", "sslmode", "max_conns"} {
		if err := v.BindEnv("database."+key, "DB_"+strings.ToUpper(key), "LEDGER_DATABASE_"+strings.ToUpper(key)); err != nil {
			return Config{}, fmt.Errorf("bind env for database.%s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		slog.Info("no config.yaml found, using defaults and env vars")
	} else {
		slog.Info("loaded config", "file", v.ConfigFileUsed())
	}

	if v.IsSet("database.host") {
		cfg.Database.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Database.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.Database.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Database.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.Database.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.Database.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("database.max_conns") {
		cfg.Database.MaxConns = v.GetInt32("database.max_conns")
	}

	if v.IsSet("server.addr") {
		cfg.Server.Addr = v.GetString("server.addr")
	}
	if v.IsSet("server.read_timeout") {
		cfg.Server.ReadTimeout = v.GetDuration("server.read_timeout")
	}
	if v.IsSet("server.write_timeout") {
		cfg.Server.WriteTimeout = v.GetDuration("server.write_timeout")
	}
	if v.IsSet("server.idle_timeout") {
		cfg.Server.IdleTimeout = v.GetDuration("server.idle_timeout")
	}
	if v.IsSet("server.allowed_origins") {
		cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}

	if v.IsSet("ledger.backend") {
		cfg.Ledger.Backend = strings.ToLower(v.GetString("ledger.backend"))
	}
	if v.IsSet("ledger.revert_roles") {
		cfg.Ledger.RevertRoles = v.GetStringSlice("ledger.revert_roles")
	}
	if v.IsSet("migrations.auto") {
		cfg.AutoMigrate = v.GetBool("migrations.auto")
	}
	if v.IsSet("log.level") {
		if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("log.level"))); err != nil {
			return Config{}, fmt.Errorf("invalid log.level: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted
func (c Config) Validate() error {
	switch c.Ledger.Backend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	return nil
}
