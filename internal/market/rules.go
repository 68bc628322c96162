package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Rate limits and thresholds applied by the eligibility rules.
const (
	DailyTaskLimit        = 4
	TaskClaimGap          = 6 * time.Hour
	WithdrawalPeriodLimit = 2
	WithdrawalGap         = 14 * 24 * time.Hour
)

// MinWithdrawal is the smallest approved balance that may be withdrawn.
var MinWithdrawal = decimal.New(100, -2) // $1.00

// Decision is the outcome of an eligibility check. When Allowed is false,
// Reason carries a user-facing explanation for the first failing rule.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allowed() Decision             { return Decision{Allowed: true} }
func denied(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// Err converts a denial into a NotEligibleError, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &NotEligibleError{Reason: d.Reason}
}

// CanClaimTask evaluates whether the actor may claim a task slot right now.
// Checks run in order and short-circuit on the first violation.
func CanClaimTask(a Actor, now time.Time) Decision {
	if !a.Verified {
		return denied("verification required")
	}
	if a.TasksCompletedToday >= DailyTaskLimit {
		return denied(fmt.Sprintf("daily task limit (%d) reached", DailyTaskLimit))
	}
	if a.LastTaskClaimAt != nil {
		if elapsed := now.Sub(*a.LastTaskClaimAt); elapsed < TaskClaimGap {
			minutes := ceilDiv(TaskClaimGap-elapsed, time.Minute)
			return denied(fmt.Sprintf("wait %d more minutes (6h gap between tasks)", minutes))
		}
	}
	return allowed()
}

// CanWithdraw evaluates whether the actor may request the given payout.
// Checks run in order and short-circuit on the first violation.
func CanWithdraw(a Actor, amount decimal.Decimal, details string, now time.Time) Decision {
	if a.Approved.LessThan(MinWithdrawal) {
		return denied("minimum withdrawal is $1.00")
	}
	if amount.GreaterThan(a.Approved) {
		return denied("insufficient approved balance")
	}
	if a.WithdrawalsThisPeriod >= WithdrawalPeriodLimit {
		return denied(fmt.Sprintf("monthly withdrawal limit (%d) reached", WithdrawalPeriodLimit))
	}
	if a.LastWithdrawalAt != nil {
		if elapsed := now.Sub(*a.LastWithdrawalAt); elapsed < WithdrawalGap {
			days := ceilDiv(WithdrawalGap-elapsed, 24*time.Hour)
			return denied(fmt.Sprintf("minimum 14-day gap between withdrawals (%d days left)", days))
		}
	}
	if strings.TrimSpace(details) == "" {
		return denied("withdrawal details required")
	}
	return allowed()
}

// ceilDiv divides d by unit, rounding up to the next whole unit.
func ceilDiv(d, unit time.Duration) int64 {
	return int64((d + unit - 1) / unit)
}
