package invoicetoken

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
)

// QueryParam carries the token on the customer view route.
const QueryParam = "inv"

// CustomerViewURL returns {origin}/cv?inv={token}.
func (c *Codec) CustomerViewURL(p Params, origin string) string {
	return CustomerViewURLFor(c.Encode(p), origin)
}

func CustomerViewURLFor(token, origin string) string {
	return strings.TrimRight(origin, "/") + "/cv?" + QueryParam + "=" + url.QueryEscape(token)
}

// FromRequest extracts the raw token from ?inv= or, for the legacy route,
// from the {token} path segment. An unescaped '+' in the query arrives as a
// space and is put back, since base64 never contains spaces.
func FromRequest(r *http.Request) (string, bool) {
	if tok := strings.TrimSpace(r.URL.Query().Get(QueryParam)); tok != "" {
		return strings.ReplaceAll(tok, " ", "+"), true
	}
	tok := chi.URLParam(r, "token")
	if tok == "" {
		return "", false
	}
	if unescaped, err := url.PathUnescape(tok); err == nil {
		tok = unescaped
	}
	return tok, tok != ""
}
