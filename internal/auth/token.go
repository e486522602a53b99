package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTokenFormat = errors.New("invalid token format")
	ErrTokenSig    = errors.New("invalid token signature")
	ErrTokenExp    = errors.New("token expired or not yet valid")
	ErrTokenCall   = errors.New("call id mismatch")
	ErrNonceReplay = errors.New("token nonce already used")
)

// Claims carried by a call token.
type Claims struct {
	Subject   string
	CallID    string
	IssuedAt  int64
	ExpiresAt int64
	Nonce     string
}

// GenerateCallToken builds a bearer token for one call.
// Format: base64url(subject.call_id.iat.exp.nonce.hex(hmac_sha256(secret, payload)))
func GenerateCallToken(secret string, c Claims) (string, error) {
	if strings.ContainsAny(c.Subject+c.CallID+c.Nonce, ".") {
		return "", ErrTokenFormat
	}
	msg := strings.Join([]string{
		c.Subject, c.CallID,
		strconv.FormatInt(c.IssuedAt, 10),
		strconv.FormatInt(c.ExpiresAt, 10),
		c.Nonce,
	}, ".")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	sig := hex.EncodeToString(mac.Sum(nil))
	return base64.RawURLEncoding.EncodeToString([]byte(msg + "." + sig)), nil
}

// ValidateCallToken parses and validates a token. expectCallID, when
// non-empty, must match the embedded call id. The nonce is NOT consumed here;
// callers check it against a NonceStore after the signature checks pass.
func ValidateCallToken(secret, token, expectCallID string, now time.Time, skewSeconds int) (Claims, error) {
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Claims{}, ErrTokenFormat
	}
	parts := strings.Split(string(b), ".")
	if len(parts) != 6 {
		return Claims{}, ErrTokenFormat
	}
	c := Claims{Subject: parts[0], CallID: parts[1], Nonce: parts[4]}
	if c.IssuedAt, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
		return Claims{}, ErrTokenFormat
	}
	if c.ExpiresAt, err = strconv.ParseInt(parts[3], 10, 64); err != nil {
		return Claims{}, ErrTokenFormat
	}
	msg := strings.Join(parts[:5], ".")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	want := mac.Sum(nil)
	got, err := hex.DecodeString(parts[5])
	if err != nil {
		return Claims{}, ErrTokenFormat
	}
	// constant-time compare
	if !hmac.Equal(want, got) {
		return Claims{}, ErrTokenSig
	}
	if expectCallID != "" && c.CallID != expectCallID {
		return Claims{}, ErrTokenCall
	}
	skew := int64(skewSeconds)
	n := now.Unix()
	if n > c.ExpiresAt+skew {
		return Claims{}, ErrTokenExp
	}
	if n < c.IssuedAt-skew {
		return Claims{}, ErrTokenExp
	}
	if c.Nonce == "" {
		return Claims{}, ErrTokenFormat
	}
	return c, nil
}
