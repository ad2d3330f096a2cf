package ws

import "time"

type Config struct {
	AuthTimeout  time.Duration `env:"WS_AUTH_TIMEOUT" envDefault:"10s"`
	PingInterval time.Duration `env:"WS_PING_INTERVAL" envDefault:"25s"`
	PingTimeout  time.Duration `env:"WS_PING_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"10s"`
	SendBuffer   int           `env:"WS_SEND_BUFFER" envDefault:"64"`
	ReadLimit    int64         `env:"WS_READ_LIMIT" envDefault:"32768"`
	// MessageRate is the number of sendMessage events per second a connection may emit, zero disables throttling
	MessageRate        float64  `env:"WS_MESSAGE_RATE" envDefault:"5"`
	MessageBurst       int      `env:"WS_MESSAGE_BURST" envDefault:"10"`
	InsecureSkipVerify bool     `env:"WS_INSECURE_SKIP_VERIFY" envDefault:"false"`
	OriginPatterns     []string `env:"WS_ORIGIN_PATTERNS" envSeparator:","`
}

// DefaultConfig mirrors the envDefault tags
func DefaultConfig() Config {
	return Config{
		AuthTimeout:  10 * time.Second,
		PingInterval: 25 * time.Second,
		PingTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		SendBuffer:   64,
		ReadLimit:    32768,
		MessageRate:  5,
		MessageBurst: 10,
	}
}
