package market

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// CampaignInput carries the provider-supplied fields of a new campaign.
type CampaignInput struct {
	Name             string
	Description      string
	Reward           decimal.Decimal
	TotalSlots       int
	TimeLimitMinutes int
}

// Service defines the marketplace operations. Every call is a single
// atomic read-then-write against the backing store; callers never persist
// entities themselves.
type Service interface {
	CreateActor(ctx context.Context, username, email, passwordHash string, role Role) (Actor, error)
	GetActor(ctx context.Context, id string) (Actor, error)
	FindActorByUsername(ctx context.Context, username string) (Actor, error)
	VerifyActor(ctx context.Context, id string) (Actor, error)

	CreateCampaign(ctx context.Context, providerID string, in CampaignInput) (Task, error)
	GetTask(ctx context.Context, id string) (Task, error)
	ListOpenTasks(ctx context.Context) ([]Task, error)
	ListTasksByProvider(ctx context.Context, providerID string) ([]Task, error)

	SubmitProof(ctx context.Context, actorID, taskID, proofRef string) (Submission, error)
	ListSubmissionsByActor(ctx context.Context, actorID string) ([]Submission, error)
	ListSubmissionsForProvider(ctx context.Context, providerID string) ([]Submission, error)
	DecideSubmission(ctx context.Context, id string, approve bool) (Submission, error)

	RequestWithdrawal(ctx context.Context, actorID string, amount decimal.Decimal, method WithdrawalMethod, details string) (Withdrawal, error)
	ListWithdrawalsByActor(ctx context.Context, actorID string) ([]Withdrawal, error)
	MarkWithdrawalPaid(ctx context.Context, id string) (Withdrawal, error)
}

// InMemory implements Service with in-process concurrency safety. Entities
// are stored by id plus insertion-order index slices so listings stay
// stable. All values handed out are copies; callers never see live state.
type InMemory struct {
	mu sync.RWMutex

	actors    map[string]*Actor
	usernames map[string]string // lower(username) -> actor id

	tasks     map[string]*Task
	taskOrder []string

	subs     map[string]*Submission
	subOrder []string

	withdrawals     map[string]*Withdrawal
	withdrawalOrder []string

	now func() time.Time
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty marketplace store using UTC wall-clock time.
func NewInMemory() *InMemory {
	return &InMemory{
		actors:      make(map[string]*Actor),
		usernames:   make(map[string]string),
		tasks:       make(map[string]*Task),
		subs:        make(map[string]*Submission),
		withdrawals: make(map[string]*Withdrawal),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Intended for tests.
func (s *InMemory) WithClock(fn func() time.Time) *InMemory {
	if fn != nil {
		s.now = fn
	}
	return s
}

func (s *InMemory) CreateActor(ctx context.Context, username, email, passwordHash string, role Role) (Actor, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || email == "" || passwordHash == "" || !ValidRole(role) {
		return Actor{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(username)
	if _, taken := s.usernames[key]; taken {
		return Actor{}, ErrUsernameTaken
	}

	a := &Actor{
		ID:           newID(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
		Approved:     decimal.Zero,
		Pending:      decimal.Zero,
		CreatedAt:    s.now(),
		Version:      1,
	}
	s.actors[a.ID] = a
	s.usernames[key] = a.ID
	return *a, nil
}

func (s *InMemory) GetActor(ctx context.Context, id string) (Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actors[id]
	if !ok {
		return Actor{}, ErrNotFound
	}
	return *a, nil
}

func (s *InMemory) FindActorByUsername(ctx context.Context, username string) (Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usernames[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return Actor{}, ErrNotFound
	}
	return *s.actors[id], nil
}

func (s *InMemory) VerifyActor(ctx context.Context, id string) (Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[id]
	if !ok {
		return Actor{}, ErrNotFound
	}
	updated := VerifyActor(*a)
	updated.Version++
	*a = updated
	return updated, nil
}

func (s *InMemory) CreateCampaign(ctx context.Context, providerID string, in CampaignInput) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.actors[providerID]
	if !ok {
		return Task{}, ErrNotFound
	}
	if p.Role != RoleProvider {
		return Task{}, ErrInvalidInput
	}

	t, err := NewCampaign(providerID, in.Name, in.Description, in.Reward, in.TotalSlots, in.TimeLimitMinutes, s.now())
	if err != nil {
		return Task{}, err
	}
	t.Version = 1
	s.tasks[t.ID] = &t
	s.taskOrder = append(s.taskOrder, t.ID)
	return t, nil
}

func (s *InMemory) GetTask(ctx context.Context, id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return *t, nil
}

func (s *InMemory) ListOpenTasks(ctx context.Context) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]Task, 0, len(s.taskOrder))
	for _, id := range s.taskOrder {
		all = append(all, *s.tasks[id])
	}
	return Claimable(all), nil
}

func (s *InMemory) ListTasksByProvider(ctx context.Context, providerID string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0)
	for _, id := range s.taskOrder {
		if t := s.tasks[id]; t.ProviderID == providerID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *InMemory) SubmitProof(ctx context.Context, actorID, taskID, proofRef string) (Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actors[actorID]
	if !ok {
		return Submission{}, ErrNotFound
	}
	t, ok := s.tasks[taskID]
	if !ok {
		return Submission{}, ErrNotFound
	}

	sub, updatedActor, updatedTask, err := SubmitProof(*a, *t, proofRef, s.now())
	if err != nil {
		return Submission{}, err
	}

	// Persist all three together; the lock is the transaction boundary.
	updatedActor.Version++
	updatedTask.Version++
	sub.Version = 1
	*a = updatedActor
	*t = updatedTask
	s.subs[sub.ID] = &sub
	s.subOrder = append(s.subOrder, sub.ID)
	return sub, nil
}

func (s *InMemory) ListSubmissionsByActor(ctx context.Context, actorID string) ([]Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Submission, 0)
	for _, id := range s.subOrder {
		if sub := s.subs[id]; sub.ActorID == actorID {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (s *InMemory) ListSubmissionsForProvider(ctx context.Context, providerID string) ([]Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Submission, 0)
	for _, id := range s.subOrder {
		sub := s.subs[id]
		if t, ok := s.tasks[sub.TaskID]; ok && t.ProviderID == providerID {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (s *InMemory) DecideSubmission(ctx context.Context, id string, approve bool) (Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return Submission{}, ErrNotFound
	}
	a, ok := s.actors[sub.ActorID]
	if !ok {
		return Submission{}, ErrBalanceInconsistency
	}

	updatedSub, updatedActor, err := Decide(*sub, *a, approve, s.now())
	if err != nil {
		return Submission{}, err
	}
	updatedSub.Version++
	updatedActor.Version++
	*sub = updatedSub
	*a = updatedActor
	return updatedSub, nil
}

func (s *InMemory) RequestWithdrawal(ctx context.Context, actorID string, amount decimal.Decimal, method WithdrawalMethod, details string) (Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actors[actorID]
	if !ok {
		return Withdrawal{}, ErrNotFound
	}

	w, updatedActor, err := RequestWithdrawal(*a, amount, method, details, s.now())
	if err != nil {
		return Withdrawal{}, err
	}
	updatedActor.Version++
	*a = updatedActor
	s.withdrawals[w.ID] = &w
	s.withdrawalOrder = append(s.withdrawalOrder, w.ID)
	return w, nil
}

func (s *InMemory) ListWithdrawalsByActor(ctx context.Context, actorID string) ([]Withdrawal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Withdrawal, 0)
	for _, id := range s.withdrawalOrder {
		if w := s.withdrawals[id]; w.ActorID == actorID {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (s *InMemory) MarkWithdrawalPaid(ctx context.Context, id string) (Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.withdrawals[id]
	if !ok {
		return Withdrawal{}, ErrNotFound
	}
	updated, err := MarkPaid(*w, s.now())
	if err != nil {
		return Withdrawal{}, err
	}
	*w = updated
	return updated, nil
}
