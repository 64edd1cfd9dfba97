// Package doc defines the scraped web document that flows through ingestion,
// and the text cleaning applied before chunking.
package doc

import (
	"strings"
	"unicode"
)

// Document is a scraped web page as delivered by the scraper webhook.
// Markdown is the authoritative text; HTML is never indexed.
type Document struct {
	URL         string `json:"url"`
	ResolvedURL string `json:"resolved_url,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Markdown    string `json:"markdown"`
	StatusCode  int    `json:"status_code,omitempty"`
	Language    string `json:"language,omitempty"`
	Country     string `json:"country,omitempty"`
	IsMobile    bool   `json:"is_mobile,omitempty"`
}

// Clean collapses whitespace runs and drops control characters except
// newline and tab. Returns "" for content that is effectively empty.
func Clean(markdown string) string {
	var b strings.Builder
	b.Grow(len(markdown))

	lastSpace := false
	for _, r := range markdown {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsControl(r):
			// dropped
		case r == ' ':
			if !lastSpace {
				b.WriteRune(r)
			}
			lastSpace = true
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}

	return strings.TrimSpace(b.String())
}
