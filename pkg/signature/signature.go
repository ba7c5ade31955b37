// Package signature computes and verifies webhook body signatures.
//
// A signature header value has the form "<scheme>=<hex digest>", for example
// "sha256=5d41...". Receivers recompute the HMAC over the raw request body with the shared
// secret and compare in constant time.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// Header names set on every delivery.
const (
	HeaderSignature = "X-Exthost-Signature"
	HeaderEvent     = "X-Exthost-Event"
	HeaderDelivery  = "X-Exthost-Delivery"
	HeaderAttempt   = "X-Exthost-Attempt"
	HeaderTimestamp = "X-Exthost-Timestamp"
)

// Algorithms.
const (
	HMACSHA256 = "HMAC-SHA256"
	HMACSHA512 = "HMAC-SHA512"
)

// ErrMismatch is returned when a signature does not match the body.
var ErrMismatch = errors.New("signature mismatch")

func scheme(alg string) (string, func() hash.Hash, error) {
	switch strings.ToUpper(alg) {
	case HMACSHA256, "":
		return "sha256", sha256.New, nil
	case HMACSHA512:
		return "sha512", sha512.New, nil
	default:
		return "", nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
}

// Sign returns the header value for body.
func Sign(alg, secret string, body []byte) (string, error) {
	name, h, err := scheme(alg)
	if err != nil {
		return "", err
	}
	mac := hmac.New(h, []byte(secret))
	mac.Write(body)
	return name + "=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify checks a header value against body.
func Verify(alg, secret string, body []byte, header string) error {
	want, err := Sign(alg, secret, body)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(strings.TrimSpace(header))) {
		return ErrMismatch
	}
	return nil
}
