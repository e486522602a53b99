package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrPepperUnset = errors.New("phone hash pepper is unset or still the placeholder")
	ErrBadNumber   = errors.New("not a phone number")
)

const pepperPlaceholder = "CHANGE_ME"

// NormalizeE164 reduces a dialable number to +<digits>. "00" prefixes become
// "+", separators and parentheses are stripped. Returns ErrBadNumber if what
// remains is not 7..15 digits.
func NormalizeE164(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+', r == ' ', r == '-', r == '/', r == '(', r == ')', r == '.':
			// keep '+' only if leading; drop the rest
			if r == '+' && b.Len() == 0 {
				b.WriteRune('+')
			}
		default:
			return "", ErrBadNumber
		}
	}
	s := b.String()
	if strings.HasPrefix(s, "00") {
		s = "+" + s[2:]
	}
	digits := strings.TrimPrefix(s, "+")
	if len(digits) < 7 || len(digits) > 15 {
		return "", ErrBadNumber
	}
	if !strings.HasPrefix(s, "+") {
		// national format, keep digits as-is without inventing a country code
		return digits, nil
	}
	return s, nil
}

// HashNumber returns a peppered SHA-256 of the normalized number. The pepper
// must be configured; refusing to hash with the shipped placeholder keeps
// rainbow-table-trivial hashes out of the feedback store.
func HashNumber(raw, pepper string) (string, error) {
	if pepper == "" || pepper == pepperPlaceholder {
		return "", ErrPepperUnset
	}
	norm, err := NormalizeE164(raw)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256([]byte(pepper + ":" + norm))
	return hex.EncodeToString(h[:]), nil
}

// MaskNumber keeps the prefix and last four digits for log lines, e.g.
// "+4915112345678" -> "+49****5678".
func MaskNumber(raw string) string {
	norm, err := NormalizeE164(raw)
	if err != nil {
		return "****"
	}
	if len(norm) <= 7 {
		return norm[:1] + "****"
	}
	return norm[:3] + "****" + norm[len(norm)-4:]
}
