// Package webhook receives signed callbacks from the scraper and the
// change-detection service and turns them into queued jobs.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"

	"github.com/webfuse/webfuse/internal/errors"
)

// SignatureHeader carries the HMAC of the raw request body.
const SignatureHeader = "X-Signature"

const sigPrefix = "sha256="

var sigPattern = regexp.MustCompile(`^sha256=[0-9a-f]{64}$`)

// ComputeSignature returns the signature value for a body: "sha256=" plus
// the lowercase hex HMAC-SHA256 digest.
func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return sigPrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the body's HMAC. A missing header
// or digest mismatch is an auth failure; a header that does not match the
// sha256=<64 hex> shape is invalid input. Comparison is constant-time.
func VerifySignature(secret string, body []byte, header string) error {
	if header == "" {
		return errors.New(errors.KindAuthFailure, "missing signature header")
	}
	if !sigPattern.MatchString(header) {
		return errors.InvalidInput("malformed signature header")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := []byte(hex.EncodeToString(mac.Sum(nil)))
	got := []byte(header[len(sigPrefix):])

	if !hmac.Equal(got, expected) {
		return errors.New(errors.KindAuthFailure, "signature mismatch")
	}
	return nil
}
