package feedback

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"tom/voicecore/internal/reward"
)

var (
	ErrNotAnonymized = errors.New("feedback event is not anonymized")
	ErrIncomplete    = errors.New("feedback event is missing required fields")
)

// Signals mirrors reward.Signals in a serializable shape.
type Signals struct {
	Resolution   bool    `json:"resolution"`
	UserRating   *int    `json:"user_rating"`
	BargeInCount int     `json:"barge_in_count"`
	Repeats      int     `json:"repeats"`
	Handover     bool    `json:"handover"`
	DurationSec  float64 `json:"duration_sec"`
}

// ToReward converts to the calculator's input type.
func (s Signals) ToReward() reward.Signals {
	return reward.Signals{
		Resolution:   s.Resolution,
		Rating:       s.UserRating,
		BargeInCount: s.BargeInCount,
		Repeats:      s.Repeats,
		Handover:     s.Handover,
		DurationSec:  s.DurationSec,
	}
}

// Event is one anonymized call outcome. No PII: the call id is hashed and
// the timestamp is rounded to the hour before the event is ever constructed.
type Event struct {
	CallIDHash      string  `json:"call_id_hash"`
	TsHour          int64   `json:"ts_hour"`
	Profile         string  `json:"profile"`
	PolicyVariantID string  `json:"policy_variant_id"`
	Signals         Signals `json:"signals"`
	Reward          float64 `json:"reward"`
}

// HashCallID anonymizes a raw call id.
func HashCallID(callID string) string {
	h := sha256.Sum256([]byte(callID))
	return hex.EncodeToString(h[:])
}

// HourBucket rounds a timestamp down to the hour, as a unix second.
func HourBucket(t time.Time) int64 {
	return t.UTC().Truncate(time.Hour).Unix()
}

// NewEvent builds an anonymized event from raw call data.
func NewEvent(callID string, at time.Time, profile, variantID string, sig Signals, rw float64) Event {
	return Event{
		CallIDHash:      HashCallID(callID),
		TsHour:          HourBucket(at),
		Profile:         profile,
		PolicyVariantID: variantID,
		Signals:         sig,
		Reward:          rw,
	}
}

// Validate enforces completeness and anonymization. The store refuses any
// event that fails here.
func (e Event) Validate() error {
	if e.CallIDHash == "" || e.PolicyVariantID == "" {
		return ErrIncomplete
	}
	if e.TsHour <= 0 {
		return ErrIncomplete
	}
	if len(e.CallIDHash) != 64 {
		return fmt.Errorf("%w: call_id_hash is not a sha256 digest", ErrNotAnonymized)
	}
	if _, err := hex.DecodeString(e.CallIDHash); err != nil {
		return fmt.Errorf("%w: call_id_hash is not a sha256 digest", ErrNotAnonymized)
	}
	if e.TsHour%3600 != 0 {
		return fmt.Errorf("%w: timestamp is not rounded to the hour", ErrNotAnonymized)
	}
	if r := e.Signals.UserRating; r != nil && (*r < 1 || *r > 5) {
		return fmt.Errorf("%w: user_rating out of range", ErrIncomplete)
	}
	return nil
}
