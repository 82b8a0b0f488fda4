package subscription

import (
	"errors"
	"testing"
)

func TestMapGatewayStatus(t *testing.T) {
	cases := map[string]Status{
		"active":             StatusActive,
		"past_due":           StatusPastDue,
		"unpaid":             StatusUnpaid,
		"incomplete":         StatusIncomplete,
		"incomplete_expired": StatusIncompleteExpired,
		"trialing":           StatusTrialing,
		"paused":             StatusPaused,
		"canceled":           StatusCancelled,
		"cancelled":          StatusCancelled,
	}
	for in, want := range cases {
		got, err := MapGatewayStatus(in)
		if err != nil {
			t.Fatalf("MapGatewayStatus(%q): unexpected error %v", in, err)
		}
		if got != want {
			t.Fatalf("MapGatewayStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMapGatewayStatusRejectsUnknown(t *testing.T) {
	for _, in := range []string{"", "deleted", "ACTIVE", "pending"} {
		if _, err := MapGatewayStatus(in); !errors.Is(err, ErrUnknownStatus) {
			t.Fatalf("MapGatewayStatus(%q): expected ErrUnknownStatus, got %v", in, err)
		}
	}
}

func TestUpgradeGrant(t *testing.T) {
	tests := []struct {
		name string
		old  int
		new  int
		want int
	}{
		{"upgrade grants difference", 1000, 5000, 4000},
		{"downgrade grants nothing", 5000, 1000, 0},
		{"lateral move grants nothing", 5000, 5000, 0},
		{"from zero", 0, 1000, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UpgradeGrant(tt.old, tt.new); got != tt.want {
				t.Fatalf("UpgradeGrant(%d, %d) = %d, want %d", tt.old, tt.new, got, tt.want)
			}
		})
	}
}

func TestIsUpgradeOrdersByPrice(t *testing.T) {
	// Price, not credits, decides direction. A cheaper plan with more
	// promotional credits is still a downgrade.
	if !IsUpgrade(900, 2900) {
		t.Fatal("expected 900 -> 2900 to be an upgrade")
	}
	if IsUpgrade(2900, 900) {
		t.Fatal("expected 2900 -> 900 to be a downgrade")
	}
	if IsUpgrade(2900, 2900) {
		t.Fatal("expected equal prices to not be an upgrade")
	}
}

func TestSubscriptionIsActive(t *testing.T) {
	active := []Status{StatusActive, StatusTrialing}
	inactive := []Status{StatusPastDue, StatusUnpaid, StatusIncomplete, StatusIncompleteExpired, StatusPaused, StatusCancelled}

	for _, s := range active {
		sub := Subscription{Status: s}
		if !sub.IsActive() {
			t.Fatalf("expected status %q to be active", s)
		}
	}
	for _, s := range inactive {
		sub := Subscription{Status: s}
		if sub.IsActive() {
			t.Fatalf("expected status %q to be inactive", s)
		}
	}
}
