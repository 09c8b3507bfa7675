package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

const signaturePrefix = "sha256="

var (
	// ErrMalformed covers requests that cannot be checked at all: no body,
	// no signature, or a signature that is not sha256=<hex>.
	ErrMalformed = errors.New("malformed webhook request")
	// ErrUnauthorized means the signature did not match the body.
	ErrUnauthorized = errors.New("webhook signature mismatch")
)

// Sign returns the X-Hub-Signature-256 header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against an HMAC-SHA256 of the raw body. The body
// must be the exact bytes received; re-encoded JSON will not verify.
//
// Errors never include the secret or either digest.
func Verify(secret string, body []byte, signature string) error {
	if len(body) == 0 {
		return ErrMalformed
	}
	if signature == "" || !strings.HasPrefix(signature, signaturePrefix) {
		return ErrMalformed
	}
	actual, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil || len(actual) != sha256.Size {
		return ErrMalformed
	}
	if secret == "" {
		return ErrUnauthorized
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), actual) != 1 {
		return ErrUnauthorized
	}
	return nil
}
