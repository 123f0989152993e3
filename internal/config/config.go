// Package config loads the server configuration from environment
// variables. Every knob has a default; the only one that changes behavior
// structurally is PERSIST_BASE_URL, whose absence disables persistence.
package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config is the collaboration server's configuration surface.
type Config struct {
	Port string

	// PersistBaseURL is the external revisioned store. Empty disables
	// persistence entirely.
	PersistBaseURL  string
	PersistFilename string

	FlushInterval time.Duration
	OpsThreshold  int

	BackoffBase   time.Duration
	BackoffMax    time.Duration
	RateLimitBase time.Duration
	RateLimitMax  time.Duration

	PresenceTTL  time.Duration
	LockTTL      time.Duration
	DismissTTL   time.Duration
	IdleGrace    time.Duration
	TickInterval time.Duration

	AllowForceEdit bool
}

// FromEnv builds a Config from the process environment.
func FromEnv() Config {
	cfg := Config{
		Port:            envString("COLLAB_PORT", "4000"),
		PersistBaseURL:  os.Getenv("PERSIST_BASE_URL"),
		PersistFilename: envString("PERSIST_FILENAME", "share.json"),
		FlushInterval:   envDurationMS("PERSIST_FLUSH_MS", 30*time.Second),
		OpsThreshold:    envInt("PERSIST_OPS_THRESHOLD", 50),
		BackoffBase:     envDurationMS("PERSIST_BACKOFF_BASE_MS", 5*time.Second),
		BackoffMax:      envDurationMS("PERSIST_BACKOFF_MAX_MS", 60*time.Second),
		RateLimitBase:   envDurationMS("PERSIST_RATELIMIT_BASE_MS", 60*time.Second),
		RateLimitMax:    envDurationMS("PERSIST_RATELIMIT_MAX_MS", 10*time.Minute),
		PresenceTTL:     envDurationMS("PRESENCE_TTL_MS", 30*time.Second),
		LockTTL:         envDurationMS("EDIT_LOCK_TTL_MS", 30*time.Second),
		DismissTTL:      envDurationMS("DISMISS_TTL_MS", 60*time.Second),
		IdleGrace:       envDurationMS("ROOM_IDLE_GRACE_MS", 60*time.Second),
		TickInterval:    envDurationMS("MAINTENANCE_TICK_MS", 10*time.Second),
		AllowForceEdit:  envBool("ALLOW_FORCE_EDIT", false),
	}
	if cfg.PersistBaseURL == "" {
		log.Println("PERSIST_BASE_URL not set; collaboration will not persist changes")
	}
	return cfg
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("⚠️ Invalid %s=%q, using %d", key, v, def)
		return def
	}
	return n
}

func envDurationMS(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		log.Printf("⚠️ Invalid %s=%q, using %v", key, v, def)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("⚠️ Invalid %s=%q, using %t", key, v, def)
		return def
	}
	return b
}
