package config

import (
	"net"
	"os"
	"strings"
)

// Env holds process settings read from the environment (optionally seeded from .env).
type Env struct {
	Host       string
	Port       string
	Token      string
	ConfigFile string
	Origins    []string
	LogLevel   string
	LogFile    string
}

// LoadEnv reads APP_* settings with their defaults.
func LoadEnv() Env {
	return Env{
		Host:       getenv("APP_HOST", "0.0.0.0"),
		Port:       getenv("APP_PORT", "8000"),
		Token:      getenv("API_TOKEN", "secret-token"),
		ConfigFile: getenv("APP_CONFIG_FILE", "./config.yaml"),
		Origins:    splitList(getenv("APP_ORIGINS", "*")),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogFile:    os.Getenv("LOG_FILE"),
	}
}

// Addr returns the listen address.
func (e Env) Addr() string {
	return net.JoinHostPort(e.Host, e.Port)
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
