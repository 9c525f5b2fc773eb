package config

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in       string
		expected time.Duration
	}{
		{"10s", 10 * time.Second},
		{"20M", 20 * time.Minute},
		{"48h", 48 * time.Hour},
		{"7d", 7 * 24 * time.Hour},
		{"300", 300 * time.Second},
		{"1h30m", 90 * time.Minute},
	}

	for _, test := range tests {
		got, err := ParseDuration(test.in)
		if err != nil {
			t.Errorf("ParseDuration(%s): unexpected error %v", test.in, err)
			continue
		}
		if got != test.expected {
			t.Errorf("ParseDuration(%s): expected %v, got %v", test.in, test.expected, got)
		}
	}

	if _, err := ParseDuration("xd"); err == nil {
		t.Error("expected error for xd")
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in       string
		expected int
	}{
		{"1024", 1024},
		{"1k", 1 << 10},
		{"10M", 10 << 20},
		{"1g", 1 << 30},
	}
	for _, test := range tests {
		got, err := ParseSize(test.in)
		if err != nil || got != test.expected {
			t.Errorf("ParseSize(%s) = %d, %v; expected %d", test.in, got, err, test.expected)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SessionTTL != 7*24*time.Hour {
		t.Errorf("expected 7 day session ttl, got %v", cfg.SessionTTL)
	}
	if cfg.TypingTTL != 10*time.Second {
		t.Errorf("expected 10s typing ttl, got %v", cfg.TypingTTL)
	}
	if cfg.SweepInterval != 5*time.Minute {
		t.Errorf("expected 5m sweep interval, got %v", cfg.SweepInterval)
	}
	if cfg.MaxFileSize != 10<<20 || cfg.MaxAvatarSize != 1<<20 {
		t.Errorf("unexpected upload limits %d/%d", cfg.MaxFileSize, cfg.MaxAvatarSize)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LANCHAT_ADDR", ":6000")
	t.Setenv("LANCHAT_SESSION_TTL", "2d")
	t.Setenv("LANCHAT_MAX_AVATAR_SIZE", "512k")
	t.Setenv("LANCHAT_DB_DRIVER", "pgx")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":6000" || cfg.SessionTTL != 48*time.Hour || cfg.MaxAvatarSize != 512<<10 || cfg.DBDriver != "pgx" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("LANCHAT_TYPING_TTL", "soon")
	if _, err := Load(); err == nil {
		t.Error("expected error for malformed duration")
	}
}

func TestValidateDriver(t *testing.T) {
	cfg := Default()
	cfg.DBDriver = "mongo"
	if err := cfg.Validate(); err == nil {
		t.Error("expected unsupported driver error")
	}
}

func TestValidateDecoderPolicy(t *testing.T) {
	cfg := Default()
	cfg.DecoderPolicy = "everything"
	if err := cfg.Validate(); err == nil {
		t.Error("expected unsupported decoder policy error")
	}
}
