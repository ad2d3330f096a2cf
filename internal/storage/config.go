package storage

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config defines fields used for parsing storage settings from environment variables
type Config struct {
	Driver         string        `env:"STORAGE_DRIVER" envDefault:"postgres"`
	User           string        `env:"DB_USER" envDefault:"postgres"`
	Password       string        `env:"DB_PASSWORD"`
	Host           string        `env:"DB_HOST" envDefault:"localhost"`
	Port           uint16        `env:"DB_PORT" envDefault:"5432"`
	DBName         string        `env:"DB_NAME" envDefault:"dateper"`
	ConnectTimeout time.Duration `env:"DB_CONNECT_TIMEOUT" envDefault:"30s"`
	MaxConns       int32         `env:"DB_MAX_CONNS" envDefault:"16"`
	InitialCoins   int64         `env:"INITIAL_COINS" envDefault:"100"`
}

// DSN returns a keyword/value connection string for pgx
func (c Config) DSN() string {
	return fmt.Sprintf("user=%s password=%s host=%s port=%d dbname=%s sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Option alters the configuration used during new Store construction
type Option interface {
	apply(*options)
}

type options struct {
	pool           *pgxpool.Config
	initialBalance int64
}

type optionFunc func(o *options)

func (f optionFunc) apply(o *options) { f(o) }

// ConnectionTimeout sets timeout for connection to be established
func ConnectionTimeout(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.pool.ConnConfig.ConnectTimeout = d
	})
}

// MaxConns limits the size of the connection pool
func MaxConns(n int32) Option {
	return optionFunc(func(o *options) {
		if n > 0 {
			o.pool.MaxConns = n
		}
	})
}

// InitialBalance sets the coin balance of a user that has no ledger row yet
func InitialBalance(n int64) Option {
	return optionFunc(func(o *options) {
		o.initialBalance = n
	})
}
