package campaign

import (
	"testing"
	"time"
)

func ptr(t time.Time) *time.Time { return &t }

func TestIsRunning(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		c    Campaign
		want bool
	}{
		{"active unbounded", Campaign{Status: StatusActive}, true},
		{"inactive", Campaign{Status: StatusInactive}, false},
		{"expired", Campaign{Status: StatusExpired}, false},
		{"before start", Campaign{Status: StatusActive, StartsAt: ptr(now.Add(time.Minute))}, false},
		{"at start", Campaign{Status: StatusActive, StartsAt: ptr(now)}, true},
		{"at end", Campaign{Status: StatusActive, EndsAt: ptr(now)}, true},
		{"after end", Campaign{Status: StatusActive, EndsAt: ptr(now.Add(-time.Second))}, false},
		{"inside window", Campaign{Status: StatusActive, StartsAt: ptr(now.Add(-time.Hour)), EndsAt: ptr(now.Add(time.Hour))}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.c.IsRunning(now); got != tc.want {
				t.Fatalf("IsRunning = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestInterval(t *testing.T) {
	t.Parallel()
	if got := (Campaign{}).Interval(0); got != DefaultResendInterval {
		t.Fatalf("default = %v", got)
	}
	if got := (Campaign{ResendInterval: -time.Minute}).Interval(time.Hour); got != time.Hour {
		t.Fatalf("fallback = %v", got)
	}
	if got := (Campaign{ResendInterval: 2 * time.Hour}).Interval(time.Hour); got != 2*time.Hour {
		t.Fatalf("own = %v", got)
	}
}

func TestValidateAndStatus(t *testing.T) {
	t.Parallel()
	now := time.Now()
	if err := (Campaign{ID: "c1", Status: StatusActive, StartsAt: ptr(now), EndsAt: ptr(now.Add(-time.Hour))}).Validate(); err != ErrInvalidWindow {
		t.Fatalf("window err = %v", err)
	}
	if err := (Campaign{ID: " "}).Validate(); err != ErrEmptyID {
		t.Fatalf("id err = %v", err)
	}
	if err := (Campaign{ID: "x", Status: 7}).Validate(); err != ErrInvalidStatus {
		t.Fatalf("status err = %v", err)
	}
	if s, err := ParseStatus("Expired"); err != nil || s != StatusExpired {
		t.Fatalf("ParseStatus = %v, %v", s, err)
	}
	if _, err := ParseStatus("paused"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}
