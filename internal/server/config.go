package server

import (
	"net/http"
	"strconv"
	"time"
)

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

// config defines fields used for configuring Server instance
type config struct {
	httpServer      *http.Server
	corsOrigins     []string
	requestTimeout  time.Duration
	shutdownTimeout time.Duration
	afterShutdown   []func()
}

// EnvConfig defines fields used for parsing from environment variables
type EnvConfig struct {
	Host           string        `env:"HOST" envDefault:"0.0.0.0"`
	Port           uint16        `env:"PORT" envDefault:"9000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	CORSOrigins    []string      `env:"CORS_ORIGINS" envSeparator:"," envDefault:"https://*,http://*"`
}

// WithEnvConfig enables processing exported EnvConfig struct to acts as a source of config parameters for http.Server
func WithEnvConfig(cfg EnvConfig) Option {
	return optionFunc(func(c *config) {
		c.httpServer.Addr = cfg.Host + ":" + strconv.FormatUint(uint64(cfg.Port), 10)
		c.httpServer.ReadHeaderTimeout = cfg.ReadTimeout
		c.requestTimeout = cfg.RequestTimeout
		c.corsOrigins = cfg.CORSOrigins
	})
}

// ReadTimeout sets the header read timeout for http.Server.
// The full read timeout stays unset, it would also cut hijacked websocket connections.
func ReadTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.httpServer.ReadHeaderTimeout = d
	})
}

// RequestTimeout bounds the handling of a single REST request
func RequestTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.requestTimeout = d
	})
}

// ShutdownTimeout bounds graceful shutdown of http.Server
func ShutdownTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.shutdownTimeout = d
	})
}

// CORSOrigins sets origins allowed to call the REST surface from a browser
func CORSOrigins(origins ...string) Option {
	return optionFunc(func(c *config) {
		c.corsOrigins = origins
	})
}

// RegisterAfterShutdown registers a function to call after http.Server shutdown
// f will not be called in separated goroutine
func RegisterAfterShutdown(f func()) Option {
	return optionFunc(func(c *config) {
		c.afterShutdown = append(c.afterShutdown, f)
	})
}
