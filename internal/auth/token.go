// Package auth provides the pluggable bearer-token check used on the
// first frame of both the agent and browser session loops.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TokenValidator checks a bearer token presented by a connecting agent
// or browser. The wire protocol does not dictate the scheme; relays
// that need to check tokens against an external store implement this
// interface instead of using HMACValidator.
type TokenValidator interface {
	Validate(token string) error
}

// tokenValidity is the window within which an HMAC token is accepted.
const tokenValidity = 5 * time.Minute

// HMACValidator is the default TokenValidator: a shared-secret
// hmac-sha256 token in the format "hmac:timestamp", valid for
// tokenValidity from issuance.
type HMACValidator struct {
	Secret string
}

// NewHMACValidator returns a validator bound to the given shared
// secret.
func NewHMACValidator(secret string) *HMACValidator {
	return &HMACValidator{Secret: secret}
}

// GenerateToken creates a token for the validator's shared secret,
// used by the agent to authenticate to the relay.
func GenerateToken(secret string) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := computeHMAC(secret, ts)
	return mac + ":" + ts
}

// Validate checks an hmac-sha256 auth token against the shared secret.
func (v *HMACValidator) Validate(token string) error {
	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("malformed token: expected hmac:timestamp")
	}
	mac, tsStr := parts[0], parts[1]

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp in token: %w", err)
	}

	diff := time.Duration(math.Abs(float64(time.Now().Unix()-ts))) * time.Second
	if diff > tokenValidity {
		return fmt.Errorf("token expired: age %v exceeds %v", diff, tokenValidity)
	}

	expected := computeHMAC(v.Secret, tsStr)
	if !hmac.Equal([]byte(mac), []byte(expected)) {
		return fmt.Errorf("invalid hmac signature")
	}
	return nil
}

func computeHMAC(secret, message string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}
