// Package config reads the service settings from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type Config struct {
	DatabaseURL string
	ServerAddr  string
	Env         string

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	DefaultLoanPeriodDays int
	DefaultMaxBooks       int
	ReservationHoldDays   int
	DueSoonDays           int

	FinePerDay     decimal.Decimal
	FineCapPerLoan decimal.Decimal
	FineGraceDays  int
	NoShowFine     decimal.Decimal
	LostBookFine   decimal.Decimal

	// SweepInterval is how often `serve` runs the overdue sweep. Zero disables it.
	SweepInterval time.Duration
}

// IsDev reports whether the service runs in development mode.
func (c Config) IsDev() bool {
	return c.Env == "dev" || c.Env == "development"
}

// Load reads the configuration. DATABASE_URL is required; every other setting has a default.
func Load() (Config, error) {
	l := &loader{}
	cfg := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		ServerAddr:  getenv("SERVER_ADDR", ":8080"),
		Env:         getenv("APP_ENV", "dev"),

		DBMaxOpenConns:    l.integer("DB_MAX_OPEN_CONNS", 20),
		DBMaxIdleConns:    l.integer("DB_MAX_IDLE_CONNS", 10),
		DBConnMaxLifetime: l.duration("DB_CONN_MAX_LIFETIME", time.Hour),

		DefaultLoanPeriodDays: l.integer("DEFAULT_LOAN_PERIOD_DAYS", 14),
		DefaultMaxBooks:       l.integer("DEFAULT_MAX_BOOKS", 5),
		ReservationHoldDays:   l.integer("RESERVATION_HOLD_DAYS", 3),
		DueSoonDays:           l.integer("DUE_SOON_DAYS", 2),

		FinePerDay:     l.money("FINE_PER_DAY", "10.00"),
		FineCapPerLoan: l.money("FINE_CAP_PER_LOAN", "500.00"),
		FineGraceDays:  l.integer("FINE_GRACE_DAYS", 0),
		NoShowFine:     l.money("NO_SHOW_FINE", "5.00"),
		LostBookFine:   l.money("LOST_BOOK_FINE", "1000.00"),

		SweepInterval: l.duration("SWEEP_INTERVAL", time.Hour),
	}
	if l.err != nil {
		return Config{}, l.err
	}
	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL environment variable is required")
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.DefaultLoanPeriodDays <= 0:
		return errors.New("DEFAULT_LOAN_PERIOD_DAYS must be positive")
	case c.DefaultMaxBooks <= 0:
		return errors.New("DEFAULT_MAX_BOOKS must be positive")
	case c.ReservationHoldDays <= 0:
		return errors.New("RESERVATION_HOLD_DAYS must be positive")
	case c.DueSoonDays < 0, c.FineGraceDays < 0:
		return errors.New("DUE_SOON_DAYS and FINE_GRACE_DAYS must not be negative")
	case c.FinePerDay.IsNegative(), c.FineCapPerLoan.IsNegative(), c.NoShowFine.IsNegative(), c.LostBookFine.IsNegative():
		return errors.New("fine amounts must not be negative")
	case c.SweepInterval < 0:
		return errors.New("SWEEP_INTERVAL must not be negative")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// loader keeps the first parse error so Load can report it after reading everything.
type loader struct {
	err error
}

func (l *loader) fail(key, value string, err error) {
	if l.err == nil {
		l.err = errors.Wrapf(err, "invalid %s=%q", key, value)
	}
}

func (l *loader) integer(key string, fallback int) int {
	v := getenv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(key, v, err)
		return fallback
	}
	return n
}

func (l *loader) duration(key string, fallback time.Duration) time.Duration {
	v := getenv(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.fail(key, v, err)
		return fallback
	}
	return d
}

func (l *loader) money(key, fallback string) decimal.Decimal {
	v := getenv(key, fallback)
	d, err := decimal.NewFromString(v)
	if err != nil {
		l.fail(key, v, err)
		return decimal.Zero
	}
	return d
}
