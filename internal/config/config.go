package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	DatabaseURL string
	Port        string

	// Identity provider (magic links, one-time credentials, token claims).
	IdentityBaseURL   string
	IdentityJWTSecret string

	// Message transport provider.
	TransportBaseURL       string
	TransportWebhookSecret string

	// Channel trust policy. A delivery-status or inbound channel
	// indicator starting with TrustedChannelPrefix counts as the
	// rich, provider-verified transport.
	TrustedChannelPrefix string

	// Session and OTP policy.
	SessionDurationDays int
	OTPTTL              time.Duration
	OTPSalt             string

	// Maintenance sweep cadence.
	SweepInterval time.Duration

	DevMode bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:                 "8080",
		TrustedChannelPrefix: "rcs",
		SessionDurationDays:  30,
		OTPTTL:               10 * time.Minute,
		SweepInterval:        time.Hour,
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	cfg.IdentityBaseURL = os.Getenv("IDENTITY_BASE_URL")
	if cfg.IdentityBaseURL == "" {
		return nil, fmt.Errorf("IDENTITY_BASE_URL environment variable is required")
	}

	cfg.IdentityJWTSecret = os.Getenv("IDENTITY_JWT_SECRET")
	if cfg.IdentityJWTSecret == "" {
		return nil, fmt.Errorf("IDENTITY_JWT_SECRET environment variable is required")
	}

	cfg.TransportBaseURL = os.Getenv("TRANSPORT_BASE_URL")
	if cfg.TransportBaseURL == "" {
		return nil, fmt.Errorf("TRANSPORT_BASE_URL environment variable is required")
	}

	cfg.TransportWebhookSecret = os.Getenv("TRANSPORT_WEBHOOK_SECRET")
	if cfg.TransportWebhookSecret == "" {
		return nil, fmt.Errorf("TRANSPORT_WEBHOOK_SECRET environment variable is required")
	}

	cfg.OTPSalt = os.Getenv("OTP_SALT")
	if cfg.OTPSalt == "" {
		return nil, fmt.Errorf("OTP_SALT environment variable is required")
	}

	if prefix := os.Getenv("TRUSTED_CHANNEL_PREFIX"); prefix != "" {
		cfg.TrustedChannelPrefix = prefix
	}

	if days := os.Getenv("SESSION_DURATION_DAYS"); days != "" {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid SESSION_DURATION_DAYS %q", days)
		}
		cfg.SessionDurationDays = n
	}

	if mins := os.Getenv("OTP_TTL_MINUTES"); mins != "" {
		n, err := strconv.Atoi(mins)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid OTP_TTL_MINUTES %q", mins)
		}
		cfg.OTPTTL = time.Duration(n) * time.Minute
	}

	if interval := os.Getenv("SWEEP_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid SWEEP_INTERVAL %q", interval)
		}
		cfg.SweepInterval = d
	}

	cfg.DevMode = os.Getenv("DEV_MODE") == "true"

	return cfg, nil
}
