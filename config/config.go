// Package config provides runtime configuration values for the server.
//
// Every setting has a command-line flag. The flag's default comes from the
// matching environment variable when it is set, so a flag on the command
// line always wins over the environment.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage drivers accepted by DB_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds configuration knobs for the HTTP server and the engine.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	Driver      string
	DBPath      string
	DatabaseURL string

	// TxTimeout bounds every engine call made on behalf of one request.
	TxTimeout          time.Duration
	MaxConflictRetries int

	LogFormat string
	LogLevel  string

	CORSOrigins []string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durenv(key string, def time.Duration) time.Duration {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Load parses args (without the program name) over environment defaults.
func Load(args []string) (Config, error) {
	var (
		c       Config
		origins string
	)

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&c.HTTPAddr, "addr", getenv("HTTP_ADDR", ":8080"), "HTTP listen address")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", durenv("SHUTDOWN_TIMEOUT", 30*time.Second), "graceful shutdown timeout")
	fs.StringVar(&c.Driver, "driver", getenv("DB_DRIVER", DriverSQLite), "storage driver: sqlite, postgres or memory")
	fs.StringVar(&c.DBPath, "db", getenv("DB_PATH", "market.db"), "SQLite database path (\":memory:\" for in-memory)")
	fs.StringVar(&c.DatabaseURL, "database-url", getenv("DATABASE_URL", ""), "PostgreSQL connection URL")
	fs.DurationVar(&c.TxTimeout, "tx-timeout", durenv("TX_TIMEOUT", 5*time.Second), "per-request engine timeout")
	fs.IntVar(&c.MaxConflictRetries, "max-conflict-retries", atoienv("MAX_CONFLICT_RETRIES", 3), "retries after a lock conflict")
	fs.StringVar(&c.LogFormat, "log-format", getenv("LOG_FORMAT", "text"), "log format: text or json")
	fs.StringVar(&c.LogLevel, "log-level", getenv("LOG_LEVEL", "info"), "log level: debug, info, warn or error")
	fs.StringVar(&origins, "cors-origins", getenv("CORS_ORIGINS", "http://localhost:5173,http://localhost:8080"), "comma-separated allowed CORS origins")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	c.CORSOrigins = splitList(origins)

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error

	switch c.Driver {
	case DriverSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("db path is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown driver %q", c.Driver))
	}

	if c.TxTimeout <= 0 {
		errs = append(errs, errors.New("tx timeout must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	if c.MaxConflictRetries < 0 {
		errs = append(errs, errors.New("max conflict retries must not be negative"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
