package exthost

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"ExtensionHost/pkg/signature"
)

// MaxDeliveryBytes bounds the body VerifyDelivery reads.
const MaxDeliveryBytes = 1 << 20

// Delivery is a verified webhook request.
type Delivery struct {
	ID        string
	Event     string
	Attempt   int
	Timestamp string
	Body      []byte
}

// VerifyDelivery reads r's body and checks its signature with the shared secret. alg is
// "HMAC-SHA256" (the default when empty) or "HMAC-SHA512".
func VerifyDelivery(r *http.Request, alg, secret string) (Delivery, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxDeliveryBytes+1))
	if err != nil {
		return Delivery{}, fmt.Errorf("read delivery: %w", err)
	}
	if len(body) > MaxDeliveryBytes {
		return Delivery{}, errors.New("delivery body too large")
	}
	header := r.Header.Get(signature.HeaderSignature)
	if header == "" {
		return Delivery{}, fmt.Errorf("missing %s header", signature.HeaderSignature)
	}
	if err := signature.Verify(alg, secret, body, header); err != nil {
		return Delivery{}, err
	}
	attempt, _ := strconv.Atoi(r.Header.Get(signature.HeaderAttempt))
	return Delivery{
		ID:        r.Header.Get(signature.HeaderDelivery),
		Event:     r.Header.Get(signature.HeaderEvent),
		Attempt:   attempt,
		Timestamp: r.Header.Get(signature.HeaderTimestamp),
		Body:      body,
	}, nil
}
