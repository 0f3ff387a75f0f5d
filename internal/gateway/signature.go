package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrBadSignature means an inbound webhook failed signature verification.
var ErrBadSignature = errors.New("webhook signature verification failed")

// Sign computes the hex HMAC-SHA256 of a webhook payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks an inbound webhook signature against the raw
// request body. Comparison is constant-time.
func VerifySignature(payload []byte, signature, secret string) error {
	if secret == "" {
		return errors.New("webhook secret not configured")
	}
	expected := Sign(payload, secret)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
