package market

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Verification metadata applied by the stubbed verification flow. Real
// account checks live outside this service.
const (
	stubKarma            = 250
	stubAccountAgeMonths = 5
)

// NewCampaign builds a task campaign with no slots taken. Reward must be
// >= 0 and at least one slot is required.
func NewCampaign(providerID, name, description string, reward decimal.Decimal, totalSlots, timeLimitMinutes int, now time.Time) (Task, error) {
	if strings.TrimSpace(providerID) == "" || strings.TrimSpace(name) == "" {
		return Task{}, ErrInvalidInput
	}
	if reward.IsNegative() || totalSlots < 1 || timeLimitMinutes < 1 {
		return Task{}, ErrInvalidInput
	}
	return Task{
		ID:               newID(),
		ProviderID:       providerID,
		Name:             name,
		Description:      description,
		Reward:           reward,
		TotalSlots:       totalSlots,
		SlotsTaken:       0,
		TimeLimitMinutes: timeLimitMinutes,
		CreatedAt:        now,
	}, nil
}

// Claimable filters tasks down to those with free slots, preserving the
// input order so listings stay reproducible.
func Claimable(tasks []Task) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Open() {
			out = append(out, t)
		}
	}
	return out
}

// ClaimSlot returns a copy of the task with one more slot taken. At most
// TotalSlots claims ever succeed; the rest fail with ErrSlotsExhausted.
func ClaimSlot(t Task) (Task, error) {
	if t.SlotsTaken >= t.TotalSlots {
		return Task{}, ErrSlotsExhausted
	}
	t.SlotsTaken++
	return t, nil
}

// SubmitProof records proof of completion for a task slot. It re-checks
// claim eligibility, claims the slot, snapshots the reward into a pending
// submission and reserves the reward on the actor's pending balance.
// All three returned entities must be persisted together.
func SubmitProof(a Actor, t Task, proofRef string, now time.Time) (Submission, Actor, Task, error) {
	if strings.TrimSpace(proofRef) == "" {
		return Submission{}, Actor{}, Task{}, ErrInvalidInput
	}
	if err := CanClaimTask(a, now).Err(); err != nil {
		return Submission{}, Actor{}, Task{}, err
	}
	t, err := ClaimSlot(t)
	if err != nil {
		return Submission{}, Actor{}, Task{}, err
	}

	sub := Submission{
		ID:        newID(),
		TaskID:    t.ID,
		TaskName:  t.Name,
		ActorID:   a.ID,
		ProofRef:  proofRef,
		Status:    SubmissionPending,
		Reward:    t.Reward,
		CreatedAt: now,
	}

	claimedAt := now
	a.Pending = a.Pending.Add(t.Reward)
	a.LastTaskClaimAt = &claimedAt
	a.TasksCompletedToday++

	return sub, a, t, nil
}

// Decide settles a pending submission. Approval moves the snapshotted
// reward from pending to approved; rejection removes it from pending with
// no payout. A submission is decided exactly once.
//
// If the actor's pending balance no longer covers the reward the records
// were mutated out of band; the operation halts with
// ErrBalanceInconsistency for manual reconciliation.
func Decide(sub Submission, a Actor, approve bool, now time.Time) (Submission, Actor, error) {
	if sub.Status != SubmissionPending {
		return Submission{}, Actor{}, ErrAlreadyDecided
	}
	if a.Pending.LessThan(sub.Reward) {
		return Submission{}, Actor{}, ErrBalanceInconsistency
	}

	a.Pending = a.Pending.Sub(sub.Reward)
	if approve {
		a.Approved = a.Approved.Add(sub.Reward)
		sub.Status = SubmissionApproved
	} else {
		// Rejected work forfeits the reward; there is no appeal path.
		sub.Status = SubmissionRejected
	}
	decidedAt := now
	sub.DecidedAt = &decidedAt
	return sub, a, nil
}

// RequestWithdrawal debits the approved balance and records a pending
// payout request. The amount was validated against the balance before the
// debit, so Approved never goes negative.
func RequestWithdrawal(a Actor, amount decimal.Decimal, method WithdrawalMethod, details string, now time.Time) (Withdrawal, Actor, error) {
	if !ValidMethod(method) || !amount.IsPositive() {
		return Withdrawal{}, Actor{}, ErrInvalidInput
	}
	if err := CanWithdraw(a, amount, details, now).Err(); err != nil {
		return Withdrawal{}, Actor{}, err
	}

	w := Withdrawal{
		ID:        newID(),
		ActorID:   a.ID,
		Amount:    amount,
		Method:    method,
		Details:   details,
		Status:    WithdrawalPending,
		CreatedAt: now,
	}

	requestedAt := now
	a.Approved = a.Approved.Sub(amount)
	a.LastWithdrawalAt = &requestedAt
	a.WithdrawalsThisPeriod++

	return w, a, nil
}

// MarkPaid transitions a pending withdrawal to paid. The actor was already
// debited at request time and is not touched again.
func MarkPaid(w Withdrawal, now time.Time) (Withdrawal, error) {
	if w.Status != WithdrawalPending {
		return Withdrawal{}, ErrAlreadyDecided
	}
	paidAt := now
	w.Status = WithdrawalPaid
	w.PaidAt = &paidAt
	return w, nil
}

// VerifyActor flips the verification flag with stubbed account metadata.
func VerifyActor(a Actor) Actor {
	a.Verified = true
	a.Karma = stubKarma
	a.AccountAgeMonths = stubAccountAgeMonths
	return a
}
