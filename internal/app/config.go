package app

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	APIURL         string        // Domain API base URL (default: http://localhost:8080)
	HubURL         string        // Push endpoint (default: derived from APIURL, /hubs/events)
	DatabaseFile   string        // Local SQLite file for tokens and the offline queue (default: shopfloor.db)
	Tenant         string        // Optional: group joined after every connection-ready
	Events         []string      // Optional: event names logged by the run command
	Actions        string        // Optional: replay routes, "type=METHOD /path" comma separated
	HealthPath     string        // Connectivity probe path (default: /health)
	ProbeInterval  time.Duration // Connectivity probe interval (default: 10s)
	ReplayRate     float64       // Max replayed actions per second, 0 for unlimited (default: 5)
	RequestTimeout time.Duration // Per-request HTTP timeout (default: 10s)

	Env                 string        // Environment (dev, staging, prod) (default: dev)
	LogLevel            string        // Log level (debug, info, warn, error) (default: info)
	LogFormat           string        // Log format (json, text) (default: json)
	ShutdownGracePeriod time.Duration // Graceful shutdown timeout (default: 10s)

	LogOutput io.Writer // Optional: log destination (default: stderr)
}

func LoadConfig() Config {
	cfg := Config{
		APIURL:         strings.TrimRight(getEnvOrDefault("SHOPFLOOR_API_URL", "http://localhost:8080"), "/"),
		HubURL:         os.Getenv("SHOPFLOOR_HUB_URL"),
		DatabaseFile:   getEnvOrDefault("SHOPFLOOR_DATABASE_FILE", "shopfloor.db"),
		Tenant:         os.Getenv("SHOPFLOOR_TENANT"),
		Events:         splitList(os.Getenv("SHOPFLOOR_EVENTS")),
		Actions:        os.Getenv("SHOPFLOOR_ACTIONS"),
		HealthPath:     getEnvOrDefault("SHOPFLOOR_HEALTH_PATH", "/health"),
		ProbeInterval:  getEnvDurationOrDefault("SHOPFLOOR_PROBE_INTERVAL", 10*time.Second),
		ReplayRate:     getEnvFloatOrDefault("SHOPFLOOR_REPLAY_RATE", 5),
		RequestTimeout: getEnvDurationOrDefault("SHOPFLOOR_REQUEST_TIMEOUT", 10*time.Second),

		Env:                 getEnvOrDefault("ENV", "dev"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:           getEnvOrDefault("LOG_FORMAT", "json"),
		ShutdownGracePeriod: getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
	}

	if cfg.HubURL == "" {
		cfg.HubURL = DeriveHubURL(cfg.APIURL)
	}

	return cfg
}

// DeriveHubURL maps an http(s) API base to the ws(s) push endpoint on the
// same host.
func DeriveHubURL(apiURL string) string {
	u, err := url.Parse(apiURL)
	if err != nil {
		return ""
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/hubs/events"
	u.RawQuery = ""
	return u.String()
}

// ActionRoute binds an offline action type to the endpoint that applies it.
type ActionRoute struct {
	Type   string
	Method string
	Path   string
}

// ParseActionRoutes parses "type=METHOD /path" entries separated by commas.
func ParseActionRoutes(s string) ([]ActionRoute, error) {
	var routes []ActionRoute
	for _, entry := range splitList(s) {
		typ, target, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid action route %q: want type=METHOD /path", entry)
		}

		fields := strings.Fields(target)
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid action route %q: want type=METHOD /path", entry)
		}

		method := strings.ToUpper(fields[0])
		switch method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return nil, fmt.Errorf("invalid action route %q: unsupported method %s", entry, method)
		}
		if !strings.HasPrefix(fields[1], "/") {
			return nil, fmt.Errorf("invalid action route %q: path must start with /", entry)
		}

		routes = append(routes, ActionRoute{
			Type:   strings.TrimSpace(typ),
			Method: method,
			Path:   fields[1],
		})
	}
	return routes, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}

	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Plain integers are seconds
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}
