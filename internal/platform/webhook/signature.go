package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// DefaultTolerance is the maximum age of a signed timestamp.
const DefaultTolerance = 5 * time.Minute

var (
	ErrMissingSignature   = errors.New("missing or malformed signature header")
	ErrSignatureMismatch  = errors.New("signature mismatch")
	ErrTimestampTolerance = errors.New("signature timestamp outside tolerance")
)

// Sign returns the v1 signature for payload at timestamp ts.
func Sign(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader formats a Stripe-Signature header value.
func SignatureHeader(secret string, ts int64, payload []byte) string {
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + Sign(secret, ts, payload)
}

// VerifySignature checks a "t=...,v1=..." header. Any one matching v1
// signature is accepted.
func VerifySignature(secret string, payload []byte, header string, now time.Time, tolerance time.Duration) error {
	var (
		timestamp  string
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			signatures = append(signatures, v)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return ErrMissingSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrMissingSignature
	}
	if age := now.Sub(time.Unix(ts, 0)); age > tolerance || age < -tolerance {
		return ErrTimestampTolerance
	}

	expected := []byte(Sign(secret, ts, payload))
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), expected) {
			return nil
		}
	}
	return ErrSignatureMismatch
}
