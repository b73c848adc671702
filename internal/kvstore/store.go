// Package kvstore is the string key/value persistence the ticket ledgers sit
// on. It mirrors the shape of browser local storage: every value is an opaque
// string, keys are flat, and a missing key is not an error.
package kvstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Store persists string values under string keys.
//
// Get reports ok=false for a key that was never written or was deleted.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverNone   = "none"
)

// Open builds the store named by driver. DriverNone yields a nil Store,
// which the ledgers treat as "storage unavailable".
func Open(driver, path string, logger *slog.Logger) (Store, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		return NewMemoryStore(), noop, nil
	case DriverNone:
		return nil, noop, nil
	case DriverSQLite:
		s, err := OpenSQLite(SQLiteConfig{Path: path, Logger: logger})
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("kvstore: unknown driver %q", driver)
	}
}
