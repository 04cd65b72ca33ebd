package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port            string
	UpstreamBaseURL string
	UpstreamTimeout time.Duration

	PanelPollInterval  time.Duration
	TriagePollInterval time.Duration
	DoctorPollInterval time.Duration
	StockPollInterval  time.Duration

	NearExpiryWindowDays int
	PanelHistorySize     int
	StockTimezone        string

	RateLimitPerMinute int
	RateLimitBurst     int
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:            port,
		UpstreamBaseURL: os.Getenv("UPSTREAM_BASE_URL"),
		UpstreamTimeout: readDurationSeconds("UPSTREAM_TIMEOUT_SECONDS", 10),

		PanelPollInterval:  readDurationSeconds("PANEL_POLL_SECONDS", 3),
		TriagePollInterval: readDurationSeconds("TRIAGE_POLL_SECONDS", 5),
		DoctorPollInterval: readDurationSeconds("DOCTOR_POLL_SECONDS", 10),
		StockPollInterval:  readDurationSeconds("STOCK_POLL_SECONDS", 60),

		NearExpiryWindowDays: readInt("NEAR_EXPIRY_WINDOW_DAYS", 30),
		PanelHistorySize:     readInt("PANEL_HISTORY_SIZE", 3),
		StockTimezone:        os.Getenv("STOCK_TIMEZONE"),

		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 240),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 60),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
