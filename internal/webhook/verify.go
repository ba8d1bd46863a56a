// ABOUTME: Webhook authentication: subscription handshake and X-Hub-Signature-256 checks
// ABOUTME: Signatures are HMAC-SHA256 of the raw body keyed by the app secret

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
)

const (
	// SignatureHeader carries the body signature on POST deliveries.
	SignatureHeader = "X-Hub-Signature-256"

	signaturePrefix = "sha256="
)

var (
	ErrMissingSignature  = errors.New("missing signature header")
	ErrInvalidSignature  = errors.New("invalid signature format")
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrHandshakeIncomplete is returned when hub.mode, hub.verify_token or
	// hub.challenge is absent.
	ErrHandshakeIncomplete = errors.New("incomplete verification request")
	// ErrHandshakeRejected is returned for a wrong mode or token, or when no
	// verify token is configured.
	ErrHandshakeRejected = errors.New("verification token rejected")
)

// Verifier checks POST signatures. A Verifier with an empty secret accepts
// every request.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given app secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Enabled reports whether signatures are checked.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// VerifySignature compares the header value against the body's HMAC in
// constant time.
func (v *Verifier) VerifySignature(payload []byte, signature string) error {
	if !v.Enabled() {
		return nil
	}
	if signature == "" {
		return ErrMissingSignature
	}
	if !strings.HasPrefix(signature, signaturePrefix) {
		return ErrInvalidSignature
	}

	provided, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	if subtle.ConstantTimeCompare(provided, mac.Sum(nil)) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// Sign returns the header value for payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifyHandshake answers the provider's subscription check and returns the
// challenge to echo back.
func VerifyHandshake(query url.Values, verifyToken string) (string, error) {
	mode := query.Get("hub.mode")
	token := query.Get("hub.verify_token")
	challenge := query.Get("hub.challenge")

	if mode == "" || token == "" || challenge == "" {
		return "", ErrHandshakeIncomplete
	}
	if mode != "subscribe" || verifyToken == "" {
		return "", ErrHandshakeRejected
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(verifyToken)) != 1 {
		return "", ErrHandshakeRejected
	}
	return challenge, nil
}
