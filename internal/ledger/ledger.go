// Package ledger implements the per-ticket records kept in the shared
// key/value store. A Ledger reads, validates and rewrites one JSON value per
// key and announces every successful change through a Notifier.
//
// Ledger methods return errors. The trackers built on top of it convert them
// to neutral results so their callers never see a failure.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/webtech-soft/CustomerView/internal/kvstore"
	"github.com/webtech-soft/CustomerView/internal/metrics"
)

var (
	// ErrUnavailable means no store was configured.
	ErrUnavailable = errors.New("ledger: storage unavailable")
	ErrNotFound    = errors.New("ledger: no record")
	ErrMalformed   = errors.New("ledger: malformed record")
)

// DecodeFunc parses stored text. Implementations wrap ErrMalformed for
// content that does not have the expected shape.
type DecodeFunc[T any] func(raw string) (T, error)

// Ledger stores values of type T under caller-chosen keys.
type Ledger[T any] struct {
	name     string
	store    kvstore.Store
	notifier *Notifier
	decode   DecodeFunc[T]
	logger   *slog.Logger

	// mu serializes read-modify-write cycles issued through this process.
	mu sync.Mutex
}

// New builds a ledger. A nil store produces a ledger whose every method
// returns ErrUnavailable. A nil decode falls back to plain JSON decoding.
func New[T any](name string, store kvstore.Store, notifier *Notifier, decode DecodeFunc[T], logger *slog.Logger) *Ledger[T] {
	if decode == nil {
		decode = DecodeJSON[T]
	}
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NewNotifier(logger)
	}
	return &Ledger[T]{
		name:     name,
		store:    store,
		notifier: notifier,
		decode:   decode,
		logger:   logger.With("ledger", name),
	}
}

func (l *Ledger[T]) Name() string { return l.name }

func (l *Ledger[T]) Available() bool { return l.store != nil }

func (l *Ledger[T]) Notifier() *Notifier { return l.notifier }

// Read returns the decoded value under key.
func (l *Ledger[T]) Read(ctx context.Context, key string) (T, error) {
	var zero T
	raw, ok, err := l.readRaw(ctx, key)
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, ErrNotFound
	}
	v, err := l.decode(raw)
	if err != nil {
		metrics.LedgerReadFailuresTotal.WithLabelValues(l.name, "malformed").Inc()
		return zero, fmt.Errorf("%s %s: %w", l.name, key, err)
	}
	return v, nil
}

// Write replaces the value under key and publishes the change.
func (l *Ledger[T]) Write(ctx context.Context, key string, value T, signal Signal) error {
	l.mu.Lock()
	old, hadOld, err := l.readRaw(ctx, key)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	newValue, err := l.put(ctx, key, value)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	l.publish(key, optional(old, hadOld), &newValue, signal)
	return nil
}

// Remove deletes key and publishes the change with a nil NewValue. Removing
// an absent key still publishes, so observers can treat it as a reset.
func (l *Ledger[T]) Remove(ctx context.Context, key string, signal Signal) error {
	l.mu.Lock()
	old, hadOld, err := l.readRaw(ctx, key)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if err := l.store.Delete(ctx, key); err != nil {
		l.mu.Unlock()
		metrics.LedgerWritesTotal.WithLabelValues(l.name, "remove", "error").Inc()
		return fmt.Errorf("%s: delete %s: %w", l.name, key, err)
	}
	l.mu.Unlock()
	metrics.LedgerWritesTotal.WithLabelValues(l.name, "remove", "ok").Inc()
	l.publish(key, optional(old, hadOld), nil, signal)
	return nil
}

// UpdateFunc receives the current value (found=false when the key is absent
// or its content is malformed) and returns the value to store. Returning
// write=false leaves storage untouched and publishes nothing.
type UpdateFunc[T any] func(current T, found bool) (next T, signal Signal, write bool)

// Update runs a read-modify-write cycle under the ledger's lock. It reports
// whether a write happened along with the resulting value.
func (l *Ledger[T]) Update(ctx context.Context, key string, fn UpdateFunc[T]) (T, bool, error) {
	var zero T
	l.mu.Lock()
	raw, ok, err := l.readRaw(ctx, key)
	if err != nil {
		l.mu.Unlock()
		return zero, false, err
	}

	var (
		current T
		found   bool
	)
	if ok {
		current, err = l.decode(raw)
		if err != nil {
			metrics.LedgerReadFailuresTotal.WithLabelValues(l.name, "malformed").Inc()
			l.logger.Warn("discarding malformed record", "key", key, "error", err)
		} else {
			found = true
		}
	}

	next, signal, write := fn(current, found)
	if !write {
		l.mu.Unlock()
		return current, false, nil
	}
	newValue, err := l.put(ctx, key, next)
	l.mu.Unlock()
	if err != nil {
		return current, false, err
	}
	l.publish(key, optional(raw, ok), &newValue, signal)
	return next, true, nil
}

func (l *Ledger[T]) readRaw(ctx context.Context, key string) (string, bool, error) {
	if l.store == nil {
		return "", false, ErrUnavailable
	}
	raw, ok, err := l.store.Get(ctx, key)
	if err != nil {
		metrics.LedgerReadFailuresTotal.WithLabelValues(l.name, "storage").Inc()
		return "", false, fmt.Errorf("%s: get %s: %w", l.name, key, err)
	}
	return raw, ok, nil
}

// put must be called with mu held.
func (l *Ledger[T]) put(ctx context.Context, key string, value T) (string, error) {
	encoded, err := Marshal(value)
	if err != nil {
		metrics.LedgerWritesTotal.WithLabelValues(l.name, "write", "error").Inc()
		return "", fmt.Errorf("%s: encode %s: %w", l.name, key, err)
	}
	if err := l.store.Set(ctx, key, encoded); err != nil {
		metrics.LedgerWritesTotal.WithLabelValues(l.name, "write", "error").Inc()
		return "", fmt.Errorf("%s: set %s: %w", l.name, key, err)
	}
	metrics.LedgerWritesTotal.WithLabelValues(l.name, "write", "ok").Inc()
	return encoded, nil
}

func (l *Ledger[T]) publish(key string, oldValue, newValue *string, signal Signal) {
	l.notifier.Publish(StorageEvent{Key: key, OldValue: oldValue, NewValue: newValue}, signal)
}

func optional(s string, ok bool) *string {
	if !ok {
		return nil
	}
	return &s
}

// Marshal encodes v the way JSON.stringify would: no HTML escaping and no
// trailing newline, so stored values stay byte-compatible with records
// written by the browser client.
func Marshal(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// DecodeJSON is the default DecodeFunc.
func DecodeJSON[T any](raw string) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}

// Report logs err at the boundary where a tracker swallows it. Missing
// storage and missing records are expected states and stay quiet.
func Report(logger *slog.Logger, op string, ticketNumber int, err error) {
	if err == nil || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrNotFound) {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	if errors.Is(err, ErrMalformed) {
		logger.Warn("ignoring malformed ledger record", "op", op, "ticketNumber", ticketNumber, "error", err)
		return
	}
	logger.Error("ledger operation failed", "op", op, "ticketNumber", ticketNumber, "error", err)
}
