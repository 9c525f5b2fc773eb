package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "LANCHAT_"

type Config struct {
	ListenAddr string
	DBDriver   string // sqlite3 or pgx
	DSN        string

	PollInterval  time.Duration
	WriteTimeout  time.Duration
	SessionTTL    time.Duration
	TypingTTL     time.Duration
	SweepInterval time.Duration

	MaxFileSize    int
	MaxAvatarSize  int
	MaxFrameSize   int
	MaxConnections int
	SendQueueSize  int
	BcryptCost     int

	CompanyGroup  string
	AdminAddr     string
	ControlSocket string
	LogLevel      string
	LogFormat     string // text or json
	// DecoderPolicy is "region" (drop only a malformed frame) or "buffer".
	DecoderPolicy string
}

func Default() *Config {
	return &Config{
		ListenAddr:     ":5000",
		DBDriver:       "sqlite3",
		DSN:            "lanchat.db",
		PollInterval:   time.Second,
		WriteTimeout:   10 * time.Second,
		SessionTTL:     7 * 24 * time.Hour,
		TypingTTL:      10 * time.Second,
		SweepInterval:  5 * time.Minute,
		MaxFileSize:    10 << 20,
		MaxAvatarSize:  1 << 20,
		MaxFrameSize:   16 << 20,
		MaxConnections: 0,
		SendQueueSize:  256,
		BcryptCost:     10,
		CompanyGroup:   "Company",
		ControlSocket:  "/tmp/lanchat.sock",
		LogLevel:       "info",
		LogFormat:      "text",
		DecoderPolicy:  "region",
	}
}

// Load reads a .env file if one exists, then applies LANCHAT_* variables
// over the defaults. Malformed values are reported rather than ignored.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	var errs []string
	str := func(key string, dst *string) {
		if v := os.Getenv(envPrefix + key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(envPrefix + key); v != "" {
			n, err := ParseSize(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(envPrefix + key); v != "" {
			d, err := ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("ADDR", &cfg.ListenAddr)
	str("DB_DRIVER", &cfg.DBDriver)
	str("DB_DSN", &cfg.DSN)
	dur("POLL_INTERVAL", &cfg.PollInterval)
	dur("WRITE_TIMEOUT", &cfg.WriteTimeout)
	dur("SESSION_TTL", &cfg.SessionTTL)
	dur("TYPING_TTL", &cfg.TypingTTL)
	dur("SWEEP_INTERVAL", &cfg.SweepInterval)
	num("MAX_FILE_SIZE", &cfg.MaxFileSize)
	num("MAX_AVATAR_SIZE", &cfg.MaxAvatarSize)
	num("MAX_FRAME_SIZE", &cfg.MaxFrameSize)
	num("MAX_CONNECTIONS", &cfg.MaxConnections)
	num("SEND_QUEUE_SIZE", &cfg.SendQueueSize)
	num("BCRYPT_COST", &cfg.BcryptCost)
	str("COMPANY_GROUP", &cfg.CompanyGroup)
	str("ADMIN_ADDR", &cfg.AdminAddr)
	str("CONTROL_SOCKET", &cfg.ControlSocket)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("DECODER_POLICY", &cfg.DecoderPolicy)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("config: unsupported db driver %q", c.DBDriver)
	}
	if c.PollInterval <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("config: poll interval and write timeout must be positive")
	}
	if c.SessionTTL <= 0 || c.TypingTTL <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("config: session ttl, typing ttl and sweep interval must be positive")
	}
	switch c.DecoderPolicy {
	case "region", "buffer":
	default:
		return fmt.Errorf("config: unsupported decoder policy %q", c.DecoderPolicy)
	}
	if c.MaxFrameSize < c.MaxFileSize {
		return fmt.Errorf("config: max frame size %d is below max file size %d", c.MaxFrameSize, c.MaxFileSize)
	}
	return nil
}

// ParseDuration accepts Go duration syntax, a "d" suffix for days, or a
// bare integer number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// ParseSize accepts a plain integer or one suffixed with k, m or g (binary units).
func ParseSize(s string) (int, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	mult := 1
	switch {
	case strings.HasSuffix(s, "k"):
		mult, s = 1<<10, strings.TrimSuffix(s, "k")
	case strings.HasSuffix(s, "m"):
		mult, s = 1<<20, strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "g"):
		mult, s = 1<<30, strings.TrimSuffix(s, "g")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * mult, nil
}
