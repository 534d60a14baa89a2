// Package cache provides a small key/value cache abstraction with
// in-process and Redis backends.
//
// The federation core uses it for three things: the provider-health
// down-marker, short-lived account-selection handles, and nothing else.
// Entries are plain strings; callers serialize as needed.
package cache

import (
	"context"
	"time"
)

// Client defines the cache operations.
type Client interface {
	// Get returns a value. ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with an optional TTL. ttl == 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// Ping checks the backend connection.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Kind     string // "memory" | "redis"
	Addr     string
	Password string
	DB       int
	Prefix   string // prepended to every key
}

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "cache: key not found" }

// IsNotFound reports whether err means the key was absent.
func IsNotFound(err error) bool {
	_, ok := err.(errNotFound)
	return ok
}

// New builds a cache client from the configuration.
func New(cfg Config) (Client, error) {
	switch cfg.Kind {
	case "redis":
		return NewRedis(cfg)
	default:
		return NewMemory(cfg.Prefix), nil
	}
}
