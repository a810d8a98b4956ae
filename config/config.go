// Package config gathers the environment-driven settings of all agents into
// one value. Every knob has a default that yields a working single-process
// deployment; production overrides individual variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type (
	// Config is the full configuration surface.
	Config struct {
		// Agent addresses.
		CoordinatorJID string
		DFJID          string
		KBJID          string
		PresenterJID   string
		SpecialistJID  string

		// Coordinator pipeline.
		ReqTimeout     time.Duration
		KBTimeout      time.Duration
		MaxRetries     int
		MaxConcurrency int
		ConvGrace      time.Duration
		DFMode         string
		HistoryLen     int
		NeedCap        string

		// Presenter.
		PresenterTimeout time.Duration

		// Directory facilitator liveness.
		Heartbeat     time.Duration
		TTLMultiplier int
		CleanupPeriod time.Duration

		// Knowledge base.
		KBDSN         string
		KBWriter      string
		KBMetricsAddr string

		// Bus transport.
		RedisURL      string
		RedisPassword string

		// Selector.
		SelectorProvider string
		SelectorModel    string
		SelectorRPM      int
		OpenAIAPIKey     string
		AnthropicAPIKey  string
	}
)

// FromEnv reads the environment and applies defaults.
func FromEnv() Config {
	cfg := Config{
		CoordinatorJID: envOr("COORD_JID", "coordinator@mas"),
		DFJID:          envOr("DF_JID", "df@mas"),
		KBJID:          envOr("KB_JID", "kb@mas"),
		PresenterJID:   envOr("PRESENTER_JID", "presenter@mas"),
		SpecialistJID:  envOr("SPECIALIST_JID", "specialist@mas"),

		ReqTimeout:     envSeconds(10, "COORD_REQ_TIMEOUT", "REQ_TIMEOUT_SEC"),
		KBTimeout:      envSeconds(5, "COORD_KB_TIMEOUT", "KB_TIMEOUT_SEC"),
		MaxRetries:     envInt(2, "COORD_MAX_RETRIES", "MAX_RETRIES"),
		MaxConcurrency: envInt(5, "COORD_MAX_CONCURRENCY", "MAX_CONCURRENCY"),
		ConvGrace:      envSeconds(0.5, "COORD_CONV_GRACE_SEC", "CONV_GRACE_SEC"),
		DFMode:         strings.ToUpper(envOr2("NEED", "COORD_DF_MODE", "DF_MODE")),
		HistoryLen:     envInt(10, "COORD_HISTORY_LEN"),
		NeedCap:        envOr("NEED_CAP", "ASK_EXPERT"),

		PresenterTimeout: envSeconds(15, "PRESENTER_TIMEOUT_SEC"),

		Heartbeat:     envSeconds(30, "DF_HEARTBEAT_SEC", "HEARTBEAT_SEC"),
		TTLMultiplier: envInt(3, "DF_TTL_MULTIPLIER", "TTL_MULTIPLIER"),
		CleanupPeriod: envSeconds(10, "DF_CLEANUP_PERIOD", "CLEANUP_PERIOD_SEC"),

		KBDSN:         envOr("KB_DSN", "file:kb.db"),
		KBMetricsAddr: envOr("KB_METRICS_ADDR", ":9109"),

		RedisURL:      envOr("REDIS_URL", "redis://localhost:6379/0"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		SelectorProvider: strings.ToLower(envOr("SELECTOR_PROVIDER", "none")),
		SelectorModel:    os.Getenv("SELECTOR_MODEL"),
		SelectorRPM:      envInt(30, "SELECTOR_RPM"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
	}
	cfg.KBWriter = envOr("KB_ALLOWED_WRITER", cfg.CoordinatorJID)
	return cfg
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// envOr2 reads the first non-empty variable among keys. Later keys are legacy
// spellings kept for compatibility.
func envOr2(def string, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return def
}

func envInt(def int, keys ...string) int {
	v := envOr2("", keys...)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envSeconds reads a duration expressed in (possibly fractional) seconds.
func envSeconds(def float64, keys ...string) time.Duration {
	if v := envOr2("", keys...); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return time.Duration(def * float64(time.Second))
}
