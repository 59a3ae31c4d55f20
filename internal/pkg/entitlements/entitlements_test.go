package entitlements

import (
	"testing"
	"time"
)

func ts(t time.Time) *time.Time { return &t }

func TestResolveRevokedOverridesEverything(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	future := ts(now.Add(24 * time.Hour))

	tests := []struct {
		name       string
		expiry     *time.Time
		graceUntil *time.Time
	}{
		{name: "no facts", expiry: nil, graceUntil: nil},
		{name: "future expiry", expiry: future, graceUntil: nil},
		{name: "future grace", expiry: future, graceUntil: future},
		{name: "past expiry", expiry: ts(now.Add(-time.Hour)), graceUntil: nil},
	}
	for _, tt := range tests {
		if got := Resolve(true, tt.expiry, tt.graceUntil, now); got != StatusRevoked {
			t.Fatalf("%s: Resolve(revoked=true) = %q, want %q", tt.name, got, StatusRevoked)
		}
	}
}

func TestResolveNoExpiryIsNone(t *testing.T) {
	now := time.Now()
	if got := Resolve(false, nil, nil, now); got != StatusNone {
		t.Fatalf("Resolve(expiry=nil) = %q, want %q", got, StatusNone)
	}
	// Grace without any purchase fact still resolves to none.
	if got := Resolve(false, nil, ts(now.Add(time.Hour)), now); got != StatusNone {
		t.Fatalf("Resolve(expiry=nil, grace future) = %q, want %q", got, StatusNone)
	}
}

func TestResolveGraceBeatsExpiredExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	expired := ts(now.Add(-48 * time.Hour))
	grace := ts(now.Add(time.Hour))

	if got := Resolve(false, expired, grace, now); got != StatusInGrace {
		t.Fatalf("Resolve(expired, future grace) = %q, want %q", got, StatusInGrace)
	}
}

func TestResolveEntitledAndExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if got := Resolve(false, ts(now.Add(time.Minute)), nil, now); got != StatusEntitled {
		t.Fatalf("future expiry = %q, want %q", got, StatusEntitled)
	}
	if got := Resolve(false, ts(now.Add(-time.Minute)), nil, now); got != StatusExpired {
		t.Fatalf("past expiry = %q, want %q", got, StatusExpired)
	}
	// A grace window already behind us does not grant anything.
	if got := Resolve(false, ts(now.Add(-time.Hour)), ts(now.Add(-time.Minute)), now); got != StatusExpired {
		t.Fatalf("past expiry + past grace = %q, want %q", got, StatusExpired)
	}
}

func TestIsActive(t *testing.T) {
	active := []Status{StatusEntitled, StatusInGrace}
	inactive := []Status{StatusNone, StatusExpired, StatusRevoked}

	for _, s := range active {
		if !IsActive(s) {
			t.Fatalf("expected %q to be active", s)
		}
	}
	for _, s := range inactive {
		if IsActive(s) {
			t.Fatalf("expected %q to be inactive", s)
		}
	}
}

func TestRankOrdering(t *testing.T) {
	order := []Status{StatusNone, StatusRevoked, StatusExpired, StatusInGrace, StatusEntitled}
	for i := 1; i < len(order); i++ {
		if Rank(order[i-1]) >= Rank(order[i]) {
			t.Fatalf("expected %q to outrank %q", order[i], order[i-1])
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("in_grace"); got != StatusInGrace {
		t.Fatalf("Normalize(in_grace) = %q", got)
	}
	if got := Normalize("garbage"); got != StatusNone {
		t.Fatalf("Normalize(garbage) = %q, want none", got)
	}
}
