package customerview

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// APIError is the body of every non-2xx JSON response.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	CorrID    string `json:"corrId"`
	Retryable bool   `json:"retryable"`
}

type ctxKey int

const corrIDKey ctxKey = iota

const corrHeader = "X-Correlation-Id"

// correlate tags every request with a correlation ID, taken from the
// X-Correlation-Id header or freshly generated, and echoes it back.
func correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corrID := strings.TrimSpace(r.Header.Get(corrHeader))
		if corrID == "" {
			corrID = uuid.NewString()
		}
		w.Header().Set(corrHeader, corrID)
		ctx := context.WithValue(r.Context(), corrIDKey, corrID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func corrIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(corrIDKey).(string)
	return id
}

// CorrelationLogger scopes logger to one request and, when known, one ticket.
func CorrelationLogger(logger *slog.Logger, corrID string, ticketNumber int) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("corrId", corrID)
	if ticketNumber > 0 {
		logger = logger.With("ticketNumber", ticketNumber)
	}
	return logger
}

// requireAdvisor accepts a request whose API key matches one of hashes
// (bcrypt or argon2id). disabled opens the routes; otherwise an empty hash
// list rejects every request.
func requireAdvisor(hashes []string, disabled bool, ips clientIPs, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if disabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			corrID := corrIDFrom(r.Context())
			rawKey := extractAPIKey(r)
			if rawKey == "" {
				writeError(w, r, http.StatusUnauthorized, "AUTH_REQUIRED", "API key required", false)
				return
			}
			for _, h := range hashes {
				if verifyAdvisorKey(rawKey, h) {
					next.ServeHTTP(w, r)
					return
				}
			}
			logger.Warn("advisor key rejected", "corrId", corrID, "ip", ips.of(r))
			writeError(w, r, http.StatusUnauthorized, "INVALID_KEY", "Invalid API key", false)
		})
	}
}

// extractAPIKey supports "Bearer <key>", "ApiKey <key>" and X-API-Key.
func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(auth, "Bearer "):
		return strings.TrimPrefix(auth, "Bearer ")
	case strings.HasPrefix(auth, "ApiKey "):
		return strings.TrimPrefix(auth, "ApiKey ")
	case auth != "":
		return auth
	}
	return r.Header.Get("X-API-Key")
}

// limitDecodes throttles the customer routes per client IP.
func limitDecodes(rl *RateLimiter, ips clientIPs) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retryAfter := rl.Allow(ips.of(r))
			if !ok {
				secs := int(math.Ceil(retryAfter.Seconds()))
				w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
				writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "Too many attempts", true)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIPs derives the client address of a request. Forwarding headers are
// honored only when the direct peer is one of the trusted proxies.
type clientIPs struct {
	trusted []netip.Prefix
}

func parseTrustedProxies(entries []string) (clientIPs, error) {
	var ips clientIPs
	for _, e := range entries {
		if prefix, err := netip.ParsePrefix(e); err == nil {
			ips.trusted = append(ips.trusted, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return clientIPs{}, fmt.Errorf("trusted proxy %q is neither an IP nor a CIDR", e)
		}
		addr = addr.Unmap()
		ips.trusted = append(ips.trusted, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return ips, nil
}

func (c clientIPs) isTrusted(s string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range c.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// of returns the peer address, or for a trusted peer the nearest
// untrusted hop in X-Forwarded-For (then X-Real-IP).
func (c clientIPs) of(r *http.Request) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		peer = host
	}
	if !c.isTrusted(peer) {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop != "" && !c.isTrusted(hop) {
				return hop
			}
		}
		if first := strings.TrimSpace(hops[0]); first != "" {
			return first
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return peer
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, retryable bool) {
	writeJSON(w, status, APIError{
		Code:      code,
		Message:   message,
		CorrID:    corrIDFrom(r.Context()),
		Retryable: retryable,
	})
}
