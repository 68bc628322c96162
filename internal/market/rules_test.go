package market

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func verifiedActor() Actor {
	return Actor{
		ID:       "actor-1",
		Username: "alice",
		Role:     RoleParticipant,
		Verified: true,
		Approved: decimal.Zero,
		Pending:  decimal.Zero,
	}
}

func TestCanClaimTaskRequiresVerification(t *testing.T) {
	a := verifiedActor()
	a.Verified = false
	d := CanClaimTask(a, testNow)
	if d.Allowed {
		t.Fatal("unverified actor should be denied")
	}
	if !strings.Contains(d.Reason, "verification") {
		t.Fatalf("unexpected reason: %q", d.Reason)
	}
}

func TestCanClaimTaskDailyLimit(t *testing.T) {
	a := verifiedActor()
	a.TasksCompletedToday = DailyTaskLimit
	if d := CanClaimTask(a, testNow); d.Allowed {
		t.Fatal("actor at daily limit should be denied")
	}
	a.TasksCompletedToday = DailyTaskLimit - 1
	if d := CanClaimTask(a, testNow); !d.Allowed {
		t.Fatalf("actor under daily limit denied: %q", d.Reason)
	}
}

func TestCanClaimTaskGapWithMinutesRemaining(t *testing.T) {
	a := verifiedActor()
	last := testNow.Add(-5 * time.Hour)
	a.LastTaskClaimAt = &last

	d := CanClaimTask(a, testNow)
	if d.Allowed {
		t.Fatal("claim within 6h gap should be denied")
	}
	// 1h remaining -> 60 minutes, ceil.
	if !strings.Contains(d.Reason, "60 more minutes") {
		t.Fatalf("expected minutes remaining in reason, got %q", d.Reason)
	}

	last = testNow.Add(-TaskClaimGap)
	a.LastTaskClaimAt = &last
	if d := CanClaimTask(a, testNow); !d.Allowed {
		t.Fatalf("claim after full gap denied: %q", d.Reason)
	}
}

func TestCanClaimTaskOrderShortCircuits(t *testing.T) {
	a := verifiedActor()
	a.Verified = false
	a.TasksCompletedToday = DailyTaskLimit
	d := CanClaimTask(a, testNow)
	if !strings.Contains(d.Reason, "verification") {
		t.Fatalf("verification check should fire first, got %q", d.Reason)
	}
}

func TestCanWithdrawMinimumBalance(t *testing.T) {
	a := verifiedActor()
	a.Approved = decimal.New(99, -2) // $0.99
	d := CanWithdraw(a, decimal.New(50, -2), "alice@example.com", testNow)
	if d.Allowed || !strings.Contains(d.Reason, "$1.00") {
		t.Fatalf("expected minimum-withdrawal denial, got %+v", d)
	}
}

func TestCanWithdrawInsufficientBalance(t *testing.T) {
	a := verifiedActor()
	a.Approved = decimal.New(200, -2)
	d := CanWithdraw(a, decimal.New(300, -2), "alice@example.com", testNow)
	if d.Allowed || !strings.Contains(d.Reason, "insufficient") {
		t.Fatalf("expected insufficient-balance denial, got %+v", d)
	}
}

func TestCanWithdrawPeriodLimit(t *testing.T) {
	a := verifiedActor()
	a.Approved = decimal.New(500, -2)
	a.WithdrawalsThisPeriod = WithdrawalPeriodLimit
	d := CanWithdraw(a, decimal.New(100, -2), "alice@example.com", testNow)
	if d.Allowed || !strings.Contains(d.Reason, "limit") {
		t.Fatalf("expected period-limit denial, got %+v", d)
	}
}

func TestCanWithdrawGapWithDaysRemaining(t *testing.T) {
	a := verifiedActor()
	a.Approved = decimal.New(500, -2)
	last := testNow.Add(-10 * 24 * time.Hour)
	a.LastWithdrawalAt = &last

	d := CanWithdraw(a, decimal.New(100, -2), "alice@example.com", testNow)
	if d.Allowed {
		t.Fatal("withdrawal within 14-day gap should be denied")
	}
	if !strings.Contains(d.Reason, "14-day gap") || !strings.Contains(d.Reason, "4 days left") {
		t.Fatalf("expected days remaining in reason, got %q", d.Reason)
	}
}

func TestCanWithdrawDetailsRequired(t *testing.T) {
	a := verifiedActor()
	a.Approved = decimal.New(500, -2)
	d := CanWithdraw(a, decimal.New(100, -2), "   ", testNow)
	if d.Allowed || !strings.Contains(d.Reason, "details") {
		t.Fatalf("expected details denial, got %+v", d)
	}
}

func TestDecisionErr(t *testing.T) {
	if err := allowed().Err(); err != nil {
		t.Fatalf("allowed decision produced error: %v", err)
	}
	err := denied("nope").Err()
	ne, ok := err.(*NotEligibleError)
	if !ok || ne.Reason != "nope" {
		t.Fatalf("unexpected error: %v", err)
	}
}
