// Package config loads server settings from the environment and an optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port        string        `mapstructure:"PORT"`
	Env         string        `mapstructure:"ENV"`
	DBDriver    string        `mapstructure:"DB_DRIVER"`
	SQLitePath  string        `mapstructure:"SQLITE_PATH"`
	DatabaseURL string        `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32         `mapstructure:"DB_MAX_CONNS"`
	LockTimeout time.Duration `mapstructure:"LOCK_TIMEOUT"`
	Timezone    string        `mapstructure:"CLINIC_TIMEZONE"`
	CORSOrigins []string      `mapstructure:"CORS_ORIGINS"`
	LogLevel    string        `mapstructure:"LOG_LEVEL"`
	IdleDays    int           `mapstructure:"IDLE_DAYS"`
	SweepAt     string        `mapstructure:"SWEEP_AT"`

	// AllowFutureAttendance accepts attendance for days after today.
	AllowFutureAttendance bool `mapstructure:"ALLOW_FUTURE_ATTENDANCE"`
}

var keys = []string{
	"PORT", "ENV", "DB_DRIVER", "SQLITE_PATH", "DATABASE_URL", "DB_MAX_CONNS",
	"LOCK_TIMEOUT", "CLINIC_TIMEZONE", "CORS_ORIGINS", "LOG_LEVEL", "IDLE_DAYS",
	"SWEEP_AT", "ALLOW_FUTURE_ATTENDANCE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "clinic.db")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("LOCK_TIMEOUT", "5s")
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173,http://localhost:8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("IDLE_DAYS", 3)
	v.SetDefault("SWEEP_AT", "02:00")
	v.SetDefault("ALLOW_FUTURE_ATTENDANCE", true)

	// Bind explicitly so Unmarshal sees env-only keys.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}
	cfg.DBDriver = strings.ToLower(cfg.DBDriver)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location returns the clinic time zone that defines "today".
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks the settings that would otherwise fail late at startup.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when DB_DRIVER is %q", DriverSQLite)
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER is %q", DriverPostgres)
		}
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DBDriver)
	}

	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive, got %s", c.LockTimeout)
	}
	if c.IdleDays <= 0 {
		return fmt.Errorf("IDLE_DAYS must be positive, got %d", c.IdleDays)
	}
	if _, err := time.Parse("15:04", c.SweepAt); err != nil {
		return fmt.Errorf("SWEEP_AT must be HH:MM, got %q", c.SweepAt)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
