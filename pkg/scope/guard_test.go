package scope

import (
	"context"
	"testing"
	"time"

	"github.com/mandatehq/mandate/pkg/contracts"
)

// Monday 2026-03-02 14:30 UTC
var monAfternoon = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

func tradeRequest(amount float64) contracts.PermissionRequest {
	return contracts.PermissionRequest{
		UserID:          "user-1",
		PermissionType:  contracts.PermissionTrade,
		RequestedAmount: amount,
		TokenAddress:    "0xabc",
	}
}

func TestAmountCeiling(t *testing.T) {
	g := NewGuard(nil)
	sc := contracts.Scope{MaxAmount: 1000, MaxPercentage: 0.5}

	res, err := g.Check(context.Background(), sc, tradeRequest(1000.01), monAfternoon)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatal("expected denial above max amount")
	}
	if res.Reason == "" {
		t.Fatal("denial must carry a reason")
	}

	res, err = g.Check(context.Background(), sc, tradeRequest(1000), monAfternoon)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Fatalf("amount equal to ceiling must be allowed, got %q", res.Reason)
	}
}

func TestTokenChecks(t *testing.T) {
	g := NewGuard(nil)

	blacklisted := contracts.Scope{MaxAmount: 1000, BlacklistedTokens: []string{"0xabc"}}
	res, _ := g.Check(context.Background(), blacklisted, tradeRequest(10), monAfternoon)
	if res.Allowed {
		t.Fatal("blacklisted token must be denied")
	}

	allowlist := contracts.Scope{MaxAmount: 1000, AllowedTokens: []string{"0xdef"}}
	res, _ = g.Check(context.Background(), allowlist, tradeRequest(10), monAfternoon)
	if res.Allowed {
		t.Fatal("token outside allowlist must be denied")
	}

	allowlist.AllowedTokens = []string{"0xabc"}
	res, _ = g.Check(context.Background(), allowlist, tradeRequest(10), monAfternoon)
	if !res.Allowed {
		t.Fatalf("token in allowlist must pass, got %q", res.Reason)
	}
}

func TestTimeWindows(t *testing.T) {
	g := NewGuard(nil)
	sc := contracts.Scope{
		MaxAmount: 1000,
		TimeWindows: []contracts.TimeWindow{
			{Days: []int{1, 2, 3, 4, 5}, Start: "09:00", End: "17:00"},
		},
	}

	res, _ := g.Check(context.Background(), sc, tradeRequest(10), monAfternoon)
	if !res.Allowed {
		t.Fatalf("Monday 14:30 inside weekday window, got %q", res.Reason)
	}

	evening := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
	res, _ = g.Check(context.Background(), sc, tradeRequest(10), evening)
	if res.Allowed {
		t.Fatal("Monday 18:00 outside window")
	}

	sunday := time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)
	res, _ = g.Check(context.Background(), sc, tradeRequest(10), sunday)
	if res.Allowed {
		t.Fatal("Sunday not in day set")
	}
}

func TestTimeWindowInclusiveBounds(t *testing.T) {
	g := NewGuard(nil)
	sc := contracts.Scope{
		MaxAmount:   1000,
		TimeWindows: []contracts.TimeWindow{{Days: []int{1}, Start: "09:00", End: "17:00"}},
	}

	for _, hm := range [][2]int{{9, 0}, {17, 0}} {
		at := time.Date(2026, 3, 2, hm[0], hm[1], 0, 0, time.UTC)
		res, _ := g.Check(context.Background(), sc, tradeRequest(10), at)
		if !res.Allowed {
			t.Fatalf("bound %02d:%02d must be inclusive", hm[0], hm[1])
		}
	}
}

func TestTimeWindowWrapsMidnight(t *testing.T) {
	g := NewGuard(nil)
	// Monday 22:00 through Tuesday 02:00
	sc := contracts.Scope{
		MaxAmount:   1000,
		TimeWindows: []contracts.TimeWindow{{Days: []int{1}, Start: "22:00", End: "02:00"}},
	}

	lateMonday := time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC)
	res, _ := g.Check(context.Background(), sc, tradeRequest(10), lateMonday)
	if !res.Allowed {
		t.Fatal("Monday 23:00 inside wrapping window")
	}

	earlyTuesday := time.Date(2026, 3, 3, 1, 30, 0, 0, time.UTC)
	res, _ = g.Check(context.Background(), sc, tradeRequest(10), earlyTuesday)
	if !res.Allowed {
		t.Fatal("Tuesday 01:30 inside wrapping window started Monday")
	}

	tuesdayNoon := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	res, _ = g.Check(context.Background(), sc, tradeRequest(10), tuesdayNoon)
	if res.Allowed {
		t.Fatal("Tuesday noon outside wrapping window")
	}
}

func TestEmptyWindowsAlwaysAllowed(t *testing.T) {
	g := NewGuard(nil)
	sc := contracts.Scope{MaxAmount: 1000}

	sunday3am := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	res, _ := g.Check(context.Background(), sc, tradeRequest(10), sunday3am)
	if !res.Allowed {
		t.Fatal("no windows configured means always in schedule")
	}
}

func TestFrequencyCheckerDenies(t *testing.T) {
	// burst 1, effectively zero refill inside the test
	g := NewGuard(NewLocalChecker(1, 1))
	sc := contracts.Scope{MaxAmount: 1000}

	res, _ := g.Check(context.Background(), sc, tradeRequest(10), monAfternoon)
	if !res.Allowed {
		t.Fatal("first action within burst")
	}

	res, _ = g.Check(context.Background(), sc, tradeRequest(10), monAfternoon)
	if res.Allowed {
		t.Fatal("second immediate action must hit the frequency limit")
	}
	if res.Reason == "" {
		t.Fatal("frequency denial must carry a reason")
	}
}
