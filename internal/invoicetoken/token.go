// Package invoicetoken issues and checks the opaque tokens that give a
// customer anonymous access to one invoice view.
//
// A token is base64(JSON{"e","a","i"}) + "." + tag. The JSON text is written
// one byte per character (Latin-1), the way browsers encode it with btoa, so
// links issued by either side are interchangeable. Characters above U+00FF,
// which btoa cannot encode, are written as JSON \uXXXX escapes. The tag
// comes from a Signer; the default ChecksumSigner reproduces the checksum used
// by tokens already sent to customers, so those links keep working.
package invoicetoken

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/webtech-soft/CustomerView/internal/metrics"
)

// Params is the token payload. Field order is fixed by the struct so the
// same invoice always yields the same token.
type Params struct {
	E string `json:"e"` // environment / ticket type tag
	A string `json:"a"` // account number
	I string `json:"i"` // invoice number
}

// TicketNumber parses I as the numeric ticket number.
func (p Params) TicketNumber() (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(p.I))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

type Codec struct {
	signer Signer
	logger *slog.Logger
}

// NewCodec builds a codec. nil arguments select ChecksumSigner and
// slog.Default().
func NewCodec(signer Signer, logger *slog.Logger) *Codec {
	if signer == nil {
		signer = ChecksumSigner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Codec{signer: signer, logger: logger}
}

var defaultCodec = NewCodec(nil, nil)

// Encode returns the checksum-signed token for p.
func Encode(p Params) string { return defaultCodec.Encode(p) }

// Decode checks a checksum-signed token.
func Decode(token string) (Params, bool) { return defaultCodec.Decode(token) }

func (c *Codec) Encode(p Params) string {
	payload := base64.StdEncoding.EncodeToString(marshalParams(p))
	return payload + "." + c.signer.Sign(payload)
}

// Decode returns the payload of a well-formed, correctly signed token with
// all three fields non-empty. Anything else yields ok=false.
func (c *Codec) Decode(token string) (Params, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		metrics.TokenDecodesTotal.WithLabelValues("malformed").Inc()
		return Params{}, false
	}
	payload, tag := parts[0], parts[1]

	if !c.signer.Verify(payload, tag) {
		metrics.TokenDecodesTotal.WithLabelValues("bad_signature").Inc()
		c.logger.Warn("invoice token signature mismatch")
		return Params{}, false
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(payload)
	}
	if err != nil {
		metrics.TokenDecodesTotal.WithLabelValues("malformed").Inc()
		c.logger.Debug("invoice token payload is not base64", "error", err)
		return Params{}, false
	}

	p, err := unmarshalParams(fromLatin1(raw))
	if err != nil {
		metrics.TokenDecodesTotal.WithLabelValues("malformed").Inc()
		c.logger.Debug("invoice token payload is not valid JSON", "error", err)
		return Params{}, false
	}
	if p.E == "" || p.A == "" || p.I == "" {
		metrics.TokenDecodesTotal.WithLabelValues("incomplete").Inc()
		return Params{}, false
	}
	metrics.TokenDecodesTotal.WithLabelValues("ok").Inc()
	return p, true
}

// unmarshalParams matches keys exactly; encoding/json alone would also
// accept "E" for "e".
func unmarshalParams(raw []byte) (Params, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Params{}, err
	}
	var p Params
	for key, dst := range map[string]*string{"e": &p.E, "a": &p.A, "i": &p.I} {
		v, ok := fields[key]
		if !ok {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return Params{}, err
		}
	}
	return p, nil
}

func marshalParams(p Params) []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Params only holds strings; Encode cannot fail.
	_ = enc.Encode(p)
	return toLatin1(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
}

// toLatin1 rewrites UTF-8 JSON text as one byte per code point. Code points
// above U+00FF only occur inside string literals and become \uXXXX escapes
// (surrogate pairs above U+FFFF).
func toLatin1(text []byte) []byte {
	out := make([]byte, 0, len(text))
	for _, r := range string(text) {
		switch {
		case r <= 0xFF:
			out = append(out, byte(r))
		case r > 0xFFFF:
			hi, lo := utf16.EncodeRune(r)
			out = fmt.Appendf(out, `\u%04x\u%04x`, hi, lo)
		default:
			out = fmt.Appendf(out, `\u%04x`, r)
		}
	}
	return out
}

// fromLatin1 maps each byte back to the code point of the same value.
func fromLatin1(raw []byte) []byte {
	runes := make([]rune, len(raw))
	for i, b := range raw {
		runes[i] = rune(b)
	}
	return []byte(string(runes))
}
