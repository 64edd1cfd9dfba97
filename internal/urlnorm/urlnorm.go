// Package urlnorm normalizes URLs into a canonical form used as document
// identity for search-time deduplication.
package urlnorm

import (
	"net/url"
	"sort"
	"strings"

	"github.com/webfuse/webfuse/internal/errors"
)

// droppedParams are tracking query parameters removed during
// canonicalization, in addition to any parameter prefixed with "utm_".
var droppedParams = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"mc_cid":  {},
	"mc_eid":  {},
	"igshid":  {},
	"ref":     {},
	"ref_src": {},
}

// defaultPorts maps schemes to ports that are stripped when explicit.
var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Canonicalize normalizes a URL for deduplication:
// lowercased scheme and host, "www." stripped, fragment dropped, trailing
// slash stripped, tracking params removed, remaining query params sorted.
// The operation is idempotent.
func Canonicalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", errors.Wrap(errors.KindInvalidInput, "invalid URL", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", errors.Newf(errors.KindInvalidInput, "unsupported URL scheme %q", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")

	// Keep the port only when non-default for the scheme.
	if port := u.Port(); port != "" && port != defaultPorts[scheme] {
		host = host + ":" + port
	}

	path := u.Path
	if path != "/" {
		path = strings.TrimSuffix(path, "/")
	}

	canonical := url.URL{
		Scheme: scheme,
		User:   u.User,
		Host:   host,
		Path:   path,
	}
	canonical.RawQuery = canonicalQuery(u.Query())

	return canonical.String(), nil
}

// Domain extracts the canonical host (no scheme, no "www.", no port) from a
// URL, returning "" when the URL cannot be parsed.
func Domain(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// canonicalQuery drops tracking parameters and re-serializes the rest sorted
// by name then value.
func canonicalQuery(values url.Values) string {
	type pair struct{ name, value string }
	var pairs []pair

	for name, vals := range values {
		if isTrackingParam(name) {
			continue
		}
		for _, v := range vals {
			pairs = append(pairs, pair{name, v})
		}
	}
	if len(pairs) == 0 {
		return ""
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].name != pairs[j].name {
			return pairs[i].name < pairs[j].name
		}
		return pairs[i].value < pairs[j].value
	})

	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}

func isTrackingParam(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "utm_") {
		return true
	}
	_, ok := droppedParams[lower]
	return ok
}
