// Package resolver asks the shop backend which invoice an opaque customer
// link token belongs to. It is the fallback for tokens the local codec
// cannot decode, such as links minted by the backend itself.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// BaseURL is the resolution endpoint. Empty disables resolution.
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

type Resolver struct {
	base   string
	client *http.Client
	logger *slog.Logger
}

func New(cfg Config) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{base: strings.TrimSpace(cfg.BaseURL), client: client, logger: logger}
}

func (r *Resolver) Enabled() bool { return r != nil && r.base != "" }

// Resolve returns the invoice number for token. Any failure, including a
// disabled resolver, yields ok=false.
func (r *Resolver) Resolve(ctx context.Context, token string) (int, bool) {
	if !r.Enabled() {
		return 0, false
	}
	n, err := r.resolve(ctx, token)
	if err != nil {
		r.logger.Warn("invoice token resolution failed", "error", err)
		return 0, false
	}
	return n, true
}

func (r *Resolver) resolve(ctx context.Context, token string) (int, error) {
	sep := "?"
	if strings.Contains(r.base, "?") {
		sep = "&"
	}
	endpoint := r.base + sep + "inv=" + url.QueryEscape(token)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("resolver: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("resolver: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("resolver: status %d", resp.StatusCode)
	}

	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("resolver: decode: %w", err)
	}
	raw := firstPresent(body, "invoiceNum", "ticketNumber", "invoiceNumber")
	if raw == nil {
		return 0, fmt.Errorf("resolver: response has no invoice number")
	}
	return parseNumber(raw)
}

// firstPresent returns the first field that is present and not null.
func firstPresent(body map[string]json.RawMessage, keys ...string) json.RawMessage {
	for _, k := range keys {
		v, ok := body[k]
		if ok && string(v) != "null" {
			return v
		}
	}
	return nil
}

// parseNumber accepts an integral JSON number or a string starting with an
// integer ("42", " 42abc").
func parseNumber(raw json.RawMessage) (int, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		if f != math.Trunc(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("resolver: invoice number %v is not an integer", f)
		}
		return int(f), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("resolver: invoice number has unexpected type")
	}
	s = strings.TrimLeft(s, " \t\r\n")
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	start := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == start {
		return 0, fmt.Errorf("resolver: invoice number %q is not numeric", s)
	}
	return strconv.Atoi(s[:end])
}
