package config

import (
	"os"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr      string
	DataDir       string
	MPAccessToken string
	MPAPIURL      string
	PollInterval  time.Duration
	TeardownGrace time.Duration
	ChargeMaxAge  time.Duration
	KafkaBrokers  []string
	RedisAddr     string
	DiscordToken  string
	DiscordGuild  string
	ServiceName   string
}

func Load() Config {
	return Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8082"),
		DataDir:       getenv("DATA_DIR", "data"),
		MPAccessToken: getenv("MP_ACCESS_TOKEN", ""),
		MPAPIURL:      getenv("MP_API_URL", "https://api.mercadopago.com/v1"),
		PollInterval:  getenvDuration("POLL_INTERVAL", 30*time.Second),
		TeardownGrace: getenvDuration("TEARDOWN_GRACE", 5*time.Second),
		ChargeMaxAge:  getenvDuration("CHARGE_MAX_AGE", 30*time.Minute),
		KafkaBrokers:  splitCSV(getenv("KAFKA_BROKERS", "")),
		RedisAddr:     getenv("REDIS_ADDR", ""),
		DiscordToken:  getenv("DISCORD_TOKEN", ""),
		DiscordGuild:  getenv("DISCORD_GUILD_ID", ""),
		ServiceName:   getenv("SERVICE_NAME", "storefront"),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
