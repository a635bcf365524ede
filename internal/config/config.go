package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is shared by both binaries. Runner-only fields are ignored by the
// monitor and vice versa.
type Config struct {
	HTTPAddr  string     `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel  slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat string     `env:"LOG_FORMAT" envDefault:"json"`

	APIURL    string `env:"API_URL" envDefault:"http://localhost:3000"`
	PublicURL string `env:"PUBLIC_URL" envDefault:"http://localhost:5173"`
	DBPath    string `env:"DB_PATH" envDefault:"data/questmonitor.db"`
	RedisURL  string `env:"REDIS_URL"`

	SessionIDs        []int64       `env:"SESSION_IDS" envSeparator:","`
	ReconnectAttempts int           `env:"RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectDelay    time.Duration `env:"RECONNECT_DELAY" envDefault:"1s"`
	ResyncAfter       time.Duration `env:"RESYNC_AFTER" envDefault:"3s"`

	DashboardPasswordHash string   `env:"DASHBOARD_PASSWORD_HASH"`
	CORSOrigins           []string `env:"CORS_ORIGINS" envSeparator:","`

	LocationInterval time.Duration `env:"LOCATION_INTERVAL" envDefault:"5s"`
	LocationTimeout  time.Duration `env:"LOCATION_TIMEOUT" envDefault:"10s"`
	AccessToken      string        `env:"ACCESS_TOKEN"`
	SessionID        int64         `env:"SESSION_ID"`
	RoutePolyline    string        `env:"ROUTE_POLYLINE"`
}

// Load reads the environment, after filling it from files (default ".env")
// when they exist. Variables already set win over the files.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}
	if cfg.ReconnectAttempts < 0 {
		return nil, fmt.Errorf("RECONNECT_ATTEMPTS must not be negative")
	}
	return &cfg, nil
}
