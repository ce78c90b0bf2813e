package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/quartz"
)

// HMAC header names.
const (
	HeaderServiceID = "X-Service-Id"
	HeaderTimestamp = "X-Timestamp"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature-256"
)

// SignaturePrefix precedes the hex digest in HeaderSignature.
const SignaturePrefix = "sha256="

// TimestampLayout is the format of HeaderTimestamp: ISO-8601, UTC,
// millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// HMAC signs requests with a shared secret.
type HMAC struct {
	serviceID string
	secret    []byte
	clock     quartz.Clock
	nonce     func() string
}

// HMACOption configures an HMAC signer.
type HMACOption func(*HMAC)

// WithClock sets the clock used for HeaderTimestamp (default: real clock).
func WithClock(clock quartz.Clock) HMACOption {
	return func(h *HMAC) {
		h.clock = clock
	}
}

// WithNonceFunc replaces the nonce generator (default: NewNonce).
func WithNonceFunc(fn func() string) HMACOption {
	return func(h *HMAC) {
		h.nonce = fn
	}
}

// NewHMAC creates an HMAC signer for serviceID keyed by secret.
func NewHMAC(serviceID string, secret []byte, opts ...HMACOption) *HMAC {
	h := &HMAC{
		serviceID: serviceID,
		secret:    secret,
		clock:     quartz.NewReal(),
		nonce:     NewNonce,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Sign implements Signer. Timestamp and nonce are fresh on every call.
func (h *HMAC) Sign(_ context.Context, body []byte) (http.Header, error) {
	ts := h.clock.Now("auth", "hmac").UTC().Format(TimestampLayout)
	nonce := h.nonce()

	hdr := http.Header{}
	hdr.Set(HeaderServiceID, h.serviceID)
	hdr.Set(HeaderTimestamp, ts)
	hdr.Set(HeaderNonce, nonce)
	hdr.Set(HeaderSignature, Signature(h.secret, ts, nonce, body))
	return hdr, nil
}

// NewNonce returns 16 bytes from crypto/rand as 32 lowercase hex characters.
func NewNonce() string {
	var raw [16]byte
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(raw[:])
	return hex.EncodeToString(raw[:])
}

// Signature computes the HeaderSignature value for the canonical message
// timestamp + nonce + body.
func Signature(secret []byte, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte(nonce))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the canonical message, using a
// constant-time comparison.
func Verify(secret []byte, timestamp, nonce string, body []byte, signature string) bool {
	expected := Signature(secret, timestamp, nonce, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Verification errors.
var (
	ErrMissingHeader    = errors.New("auth: missing signature header")
	ErrInvalidSignature = errors.New("auth: invalid signature")
	ErrStaleTimestamp   = errors.New("auth: timestamp outside allowed skew")
)

// VerifyRequest checks the HMAC headers of an incoming request against its
// body. maxSkew bounds |now - X-Timestamp|; zero disables the check. It
// returns the service id on success.
func VerifyRequest(hdr http.Header, body, secret []byte, now time.Time, maxSkew time.Duration) (string, error) {
	serviceID := hdr.Get(HeaderServiceID)
	ts := hdr.Get(HeaderTimestamp)
	nonce := hdr.Get(HeaderNonce)
	sig := hdr.Get(HeaderSignature)
	for _, h := range [...]struct{ name, value string }{
		{HeaderServiceID, serviceID},
		{HeaderTimestamp, ts},
		{HeaderNonce, nonce},
		{HeaderSignature, sig},
	} {
		if h.value == "" {
			return "", fmt.Errorf("%w: %s", ErrMissingHeader, h.name)
		}
	}

	if maxSkew > 0 {
		sent, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrStaleTimestamp, err)
		}
		skew := now.Sub(sent)
		if skew < 0 {
			skew = -skew
		}
		if skew > maxSkew {
			return "", fmt.Errorf("%w: %s", ErrStaleTimestamp, skew)
		}
	}

	if !Verify(secret, ts, nonce, body, sig) {
		return "", ErrInvalidSignature
	}
	return serviceID, nil
}
