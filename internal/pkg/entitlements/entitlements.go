package entitlements

import "time"

// Status is the computed access-granting state derived from a subscription's
// stored facts. It is recomputed on every write and never stored as an input.
type Status string

const (
	StatusNone     Status = "none"
	StatusEntitled Status = "entitled"
	StatusInGrace  Status = "in_grace"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
)

// Resolve maps raw subscription facts to an entitlement status.
// Revocation overrides everything; a missing expiry means no purchase fact
// exists at all; a future grace window keeps access after expiry.
func Resolve(revoked bool, expiry, graceUntil *time.Time, now time.Time) Status {
	if revoked {
		return StatusRevoked
	}
	if expiry == nil {
		return StatusNone
	}
	if graceUntil != nil && now.Before(*graceUntil) {
		return StatusInGrace
	}
	if now.Before(*expiry) {
		return StatusEntitled
	}
	return StatusExpired
}

// IsActive reports whether a status currently grants access.
func IsActive(s Status) bool {
	return s == StatusEntitled || s == StatusInGrace
}

// Rank orders statuses from least to most favorable. Used when a user has
// several subscription rows and the best one should win.
func Rank(s Status) int {
	switch s {
	case StatusEntitled:
		return 4
	case StatusInGrace:
		return 3
	case StatusExpired:
		return 2
	case StatusRevoked:
		return 1
	default:
		return 0
	}
}

// Normalize maps arbitrary stored strings onto a known status, defaulting
// to none for anything unrecognized.
func Normalize(s string) Status {
	switch Status(s) {
	case StatusEntitled, StatusInGrace, StatusExpired, StatusRevoked:
		return Status(s)
	default:
		return StatusNone
	}
}
