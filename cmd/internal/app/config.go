package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"relay/cmd/internal/realtime"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const defaultAllowedOrigins = "http://localhost,http://127.0.0.1"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"RELAY_HTTP_ADDR,default=0.0.0.0:8080"`
	LogLevel  string `env:"RELAY_LOG_LEVEL,default=info"`
	LogFormat string `env:"RELAY_LOG_FORMAT,default=json"`

	ReadHeaderTimeout time.Duration `env:"RELAY_HTTP_READ_HEADER_TIMEOUT,default=5s"`
	// Read/write timeouts stay off by default: they would also bound hijacked websocket conns.
	ReadTimeout    time.Duration `env:"RELAY_HTTP_READ_TIMEOUT"`
	WriteTimeout   time.Duration `env:"RELAY_HTTP_WRITE_TIMEOUT"`
	IdleTimeout    time.Duration `env:"RELAY_HTTP_IDLE_TIMEOUT,default=60s"`
	MaxHeaderBytes int           `env:"RELAY_HTTP_MAX_HEADER_BYTES,default=1048576"`

	// Store selection: DatabaseURL wins, then BadgerPath, else in-memory.
	DatabaseURL string `env:"RELAY_DATABASE_URL"`
	DBSchema    string `env:"RELAY_DB_SCHEMA,default=relay"`
	DBMaxConns  int    `env:"RELAY_DB_MAX_CONNS,default=10"`
	DBMinConns  int    `env:"RELAY_DB_MIN_CONNS,default=0"`
	BadgerPath  string `env:"RELAY_BADGER_PATH"`

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool `env:"RELAY_READINESS_REQUIRE_DB,default=false"`

	PersistTimeout time.Duration `env:"RELAY_PERSIST_TIMEOUT,default=5s"`

	UploadDir      string `env:"RELAY_UPLOAD_DIR,default=uploads"`
	UploadMaxBytes int    `env:"RELAY_UPLOAD_MAX_BYTES,default=10485760"`
	StaticDir      string `env:"RELAY_STATIC_DIR"`

	WSOriginRequired     bool `env:"RELAY_WS_ORIGIN_REQUIRED,default=false"`
	WSRequireSubprotocol bool `env:"RELAY_WS_REQUIRE_SUBPROTOCOL,default=false"`
	// Comma separated; tag defaults cannot hold commas, see defaultAllowedOrigins.
	WSAllowedOrigins    string        `env:"RELAY_WS_ALLOWED_ORIGINS"`
	WSWriteTimeout      time.Duration `env:"RELAY_WS_WRITE_TIMEOUT,default=5s"`
	WSReadIdleTimeout   time.Duration `env:"RELAY_WS_READ_IDLE_TIMEOUT"`
	WSHeartbeatInterval time.Duration `env:"RELAY_WS_HEARTBEAT_INTERVAL,default=25s"`
	WSHeartbeatTimeout  time.Duration `env:"RELAY_WS_HEARTBEAT_TIMEOUT,default=5s"`
	WSSendQueue         int           `env:"RELAY_WS_SEND_QUEUE,default=256"`
	WSMaxFrameBytes     int           `env:"RELAY_WS_MAX_FRAME_BYTES,default=65536"`
	WSRateEvents        int           `env:"RELAY_WS_RATE_EVENTS,default=120"`
	WSRateWindow        time.Duration `env:"RELAY_WS_RATE_WINDOW,default=10s"`
}

// LoadConfig loads a .env file when present, then decodes the environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(cfg.WSAllowedOrigins) == "" {
		cfg.WSAllowedOrigins = defaultAllowedOrigins
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("RELAY_HTTP_ADDR is empty"))
	}
	if c.DBMinConns < 0 || c.DBMaxConns < 0 {
		errs = append(errs, errors.New("RELAY_DB_*_CONNS must not be negative"))
	}
	if c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
		errs = append(errs, errors.New("RELAY_DB_MIN_CONNS exceeds RELAY_DB_MAX_CONNS"))
	}
	if c.ReadinessRequireDB && strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("RELAY_READINESS_REQUIRE_DB=true needs RELAY_DATABASE_URL"))
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "pretty", "text":
	default:
		errs = append(errs, fmt.Errorf("RELAY_LOG_FORMAT %q: want json or pretty", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Gateway returns the websocket gateway settings.
func (c Config) Gateway() realtime.GatewayConfig {
	return realtime.GatewayConfig{
		OriginRequired:     c.WSOriginRequired,
		AllowedOrigins:     splitCSV(c.WSAllowedOrigins),
		RequireSubprotocol: c.WSRequireSubprotocol,
		WriteTimeout:       c.WSWriteTimeout,
		ReadIdleTimeout:    c.WSReadIdleTimeout,
		HeartbeatInterval:  c.WSHeartbeatInterval,
		HeartbeatTimeout:   c.WSHeartbeatTimeout,
		SendQueue:          c.WSSendQueue,
		MaxFrameBytes:      int64(c.WSMaxFrameBytes),
		RateEvents:         c.WSRateEvents,
		RateWindow:         c.WSRateWindow,
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
