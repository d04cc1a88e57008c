// Package signing signs and verifies payloads with HMAC-SHA256.
//
// Signatures use the "sha256=<hex>" form common to webhook senders.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const prefix = "sha256="

var (
	// ErrMissingSignature is returned when a signature is required but empty.
	ErrMissingSignature = errors.New("signature missing")
	// ErrInvalidSignature is returned when a signature does not match.
	ErrInvalidSignature = errors.New("signature mismatch")
)

// Sign computes the HMAC-SHA256 signature of payload.
func Sign(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against payload in constant time.
func Verify(payload []byte, key, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}
	if !strings.HasPrefix(signature, prefix) {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(signature[len(prefix):])
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}
