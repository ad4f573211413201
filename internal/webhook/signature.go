package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Signature header names the platform sends with each push.
const (
	headerTimestamp = "X-GEWE-TIMESTAMP"
	headerToken     = "X-GEWE-TOKEN"
	headerSign      = "X-GEWE-SIGN"
)

// maxClockSkew bounds how far a push's timestamp may drift from local time.
const maxClockSkew = 300 * time.Second

var (
	ErrMissingHeader    = errors.New("missing signature header")
	ErrInvalidTimestamp = errors.New("invalid signature timestamp")
	ErrStaleTimestamp   = errors.New("signature timestamp outside skew window")
	ErrInvalidHex       = errors.New("signature is not valid hex")
	ErrVerifyFailed     = errors.New("signature verification failed")
)

// verifySignature checks the HMAC-SHA256 push signature. The MAC covers the
// raw timestamp header, a colon, and the raw request body, keyed by the bot's
// webhook secret (its token when no dedicated secret is set). The token
// header must also equal the bot's registered token.
func verifySignature(h http.Header, token, secret string, body []byte, now time.Time) error {
	tsHeader := h.Get(headerTimestamp)
	if tsHeader == "" {
		return ErrMissingHeader
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > maxClockSkew {
		return ErrStaleTimestamp
	}

	provided := h.Get(headerSign)
	if provided == "" {
		return ErrMissingHeader
	}
	tokenHeader := h.Get(headerToken)
	if tokenHeader == "" {
		return ErrMissingHeader
	}
	if tokenHeader != token {
		return ErrVerifyFailed
	}

	if secret == "" {
		secret = token
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(tsHeader))
	mac.Write([]byte(":"))
	mac.Write(body)
	expected := mac.Sum(nil)

	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return ErrInvalidHex
	}
	if !hmac.Equal(expected, providedBytes) {
		return ErrVerifyFailed
	}
	return nil
}

// Sign computes the signature value a sender would place in X-GEWE-SIGN.
// Exported for test fixtures and the simulate tooling.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte(":"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
