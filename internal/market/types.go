package market

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"taskpool.org/internal/ids"
)

// Role distinguishes task-completing participants from campaign providers.
type Role string

const (
	RoleParticipant Role = "participant"
	RoleProvider    Role = "provider"
)

// SubmissionStatus transitions pending -> approved or pending -> rejected,
// exactly once.
type SubmissionStatus string

const (
	SubmissionPending  SubmissionStatus = "pending"
	SubmissionApproved SubmissionStatus = "approved"
	SubmissionRejected SubmissionStatus = "rejected"
)

// WithdrawalMethod enumerates supported payout channels.
type WithdrawalMethod string

const (
	MethodGiftCard WithdrawalMethod = "gift_card"
	MethodCrypto   WithdrawalMethod = "crypto"
)

// WithdrawalStatus is pending until an operator marks the request paid.
type WithdrawalStatus string

const (
	WithdrawalPending WithdrawalStatus = "pending"
	WithdrawalPaid    WithdrawalStatus = "paid"
)

// Actor is a registered account, either participant or provider. Approved
// holds withdrawable funds; Pending holds funds reserved against
// unreviewed submissions. Both stay >= 0 at all times.
type Actor struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	Role         Role   `json:"role"`

	Approved decimal.Decimal `json:"approved"`
	Pending  decimal.Decimal `json:"pending"`

	Verified         bool `json:"verified"`
	Karma            int  `json:"karma"`
	AccountAgeMonths int  `json:"account_age_months"`

	TasksCompletedToday   int        `json:"tasks_completed_today"`
	LastTaskClaimAt       *time.Time `json:"last_task_claim_at,omitempty"`
	WithdrawalsThisPeriod int        `json:"withdrawals_this_period"`
	LastWithdrawalAt      *time.Time `json:"last_withdrawal_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	Version   uint64    `json:"version"`
}

// Task is a promotional campaign with a fixed slot capacity. SlotsTaken
// never exceeds TotalSlots; a full task is not claimable.
type Task struct {
	ID               string          `json:"id"`
	ProviderID       string          `json:"provider_id"`
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Reward           decimal.Decimal `json:"reward"`
	TotalSlots       int             `json:"total_slots"`
	SlotsTaken       int             `json:"slots_taken"`
	TimeLimitMinutes int             `json:"time_limit_minutes"`
	CreatedAt        time.Time       `json:"created_at"`
	Version          uint64          `json:"version"`
}

// Open reports whether the task still has unclaimed slots.
func (t Task) Open() bool { return t.SlotsTaken < t.TotalSlots }

// Submission is proof-of-completion awaiting provider review. Reward and
// TaskName are snapshotted at submit time and immune to later task edits.
type Submission struct {
	ID        string           `json:"id"`
	TaskID    string           `json:"task_id"`
	TaskName  string           `json:"task_name"`
	ActorID   string           `json:"actor_id"`
	ProofRef  string           `json:"proof_ref"`
	Status    SubmissionStatus `json:"status"`
	Reward    decimal.Decimal  `json:"reward"`
	CreatedAt time.Time        `json:"created_at"`
	DecidedAt *time.Time       `json:"decided_at,omitempty"`
	Version   uint64           `json:"version"`
}

// Withdrawal is a payout request debited from the approved balance at
// creation time. Marking it paid is an operator action and does not touch
// the actor again.
type Withdrawal struct {
	ID        string           `json:"id"`
	ActorID   string           `json:"actor_id"`
	Amount    decimal.Decimal  `json:"amount"`
	Method    WithdrawalMethod `json:"method"`
	Details   string           `json:"details"`
	Status    WithdrawalStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	PaidAt    *time.Time       `json:"paid_at,omitempty"`
}

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrSlotsExhausted       = errors.New("task slots exhausted")
	ErrAlreadyDecided       = errors.New("submission already decided")
	ErrBalanceInconsistency = errors.New("balance inconsistency")
	ErrUsernameTaken        = errors.New("username already taken")
)

// NotEligibleError carries the user-facing reason a rule check failed.
// Recoverable: the actor waits or fixes the request and retries.
type NotEligibleError struct {
	Reason string
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("not eligible: %s", e.Reason)
}

// ValidRole reports whether r is one of the known account roles.
func ValidRole(r Role) bool {
	return r == RoleParticipant || r == RoleProvider
}

// ValidMethod reports whether m is a supported withdrawal method.
func ValidMethod(m WithdrawalMethod) bool {
	return m == MethodGiftCard || m == MethodCrypto
}

func newID() string {
	return ids.New()
}
