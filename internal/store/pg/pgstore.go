// Package pg implements the marketplace service on PostgreSQL. Every
// operation runs as one transaction with row locks on the entities it
// mutates, so slot claims and balance updates never overcommit under
// concurrent callers.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"taskpool.org/internal/ids"
	"taskpool.org/internal/market"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ market.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewWithDB(db), nil
}

// NewWithDB wraps an existing connection pool. Used by tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source. Intended for tests.
func (s *Store) WithClock(fn func() time.Time) *Store {
	if fn != nil {
		s.now = fn
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const actorColumns = `id, username, email, password_hash, role, approved, pending,
	verified, karma, account_age_months,
	tasks_completed_today, last_task_claim_at,
	withdrawals_this_period, last_withdrawal_at,
	created_at, version`

const taskColumns = `id, provider_id, name, description, reward,
	total_slots, slots_taken, time_limit_minutes, created_at, version`

const submissionColumns = `id, task_id, task_name, actor_id, proof_ref,
	status, reward, created_at, decided_at, version`

const withdrawalColumns = `id, actor_id, amount, method, details,
	status, created_at, paid_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActor(row rowScanner) (market.Actor, error) {
	var a market.Actor
	var lastClaim, lastWithdrawal sql.NullTime
	err := row.Scan(
		&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.Role, &a.Approved, &a.Pending,
		&a.Verified, &a.Karma, &a.AccountAgeMonths,
		&a.TasksCompletedToday, &lastClaim,
		&a.WithdrawalsThisPeriod, &lastWithdrawal,
		&a.CreatedAt, &a.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Actor{}, market.ErrNotFound
	}
	if err != nil {
		return market.Actor{}, err
	}
	if lastClaim.Valid {
		t := lastClaim.Time
		a.LastTaskClaimAt = &t
	}
	if lastWithdrawal.Valid {
		t := lastWithdrawal.Time
		a.LastWithdrawalAt = &t
	}
	return a, nil
}

func scanTask(row rowScanner) (market.Task, error) {
	var t market.Task
	err := row.Scan(
		&t.ID, &t.ProviderID, &t.Name, &t.Description, &t.Reward,
		&t.TotalSlots, &t.SlotsTaken, &t.TimeLimitMinutes, &t.CreatedAt, &t.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Task{}, market.ErrNotFound
	}
	return t, err
}

func scanSubmission(row rowScanner) (market.Submission, error) {
	var sub market.Submission
	var decidedAt sql.NullTime
	err := row.Scan(
		&sub.ID, &sub.TaskID, &sub.TaskName, &sub.ActorID, &sub.ProofRef,
		&sub.Status, &sub.Reward, &sub.CreatedAt, &decidedAt, &sub.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Submission{}, market.ErrNotFound
	}
	if err != nil {
		return market.Submission{}, err
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		sub.DecidedAt = &t
	}
	return sub, nil
}

func scanWithdrawal(row rowScanner) (market.Withdrawal, error) {
	var w market.Withdrawal
	var paidAt sql.NullTime
	err := row.Scan(
		&w.ID, &w.ActorID, &w.Amount, &w.Method, &w.Details,
		&w.Status, &w.CreatedAt, &paidAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Withdrawal{}, market.ErrNotFound
	}
	if err != nil {
		return market.Withdrawal{}, err
	}
	if paidAt.Valid {
		t := paidAt.Time
		w.PaidAt = &t
	}
	return w, nil
}

func (s *Store) CreateActor(ctx context.Context, username, email, passwordHash string, role market.Role) (market.Actor, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || email == "" || passwordHash == "" || !market.ValidRole(role) {
		return market.Actor{}, market.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return market.Actor{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	err = tx.QueryRowContext(ctx, `select 1 from actors where lower(username)=lower($1)`, username).Scan(&existing)
	if err == nil {
		return market.Actor{}, market.ErrUsernameTaken
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return market.Actor{}, err
	}

	a := market.Actor{
		ID:           ids.New(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
		Approved:     decimal.Zero,
		Pending:      decimal.Zero,
		CreatedAt:    s.now(),
		Version:      1,
	}
	if _, err := tx.ExecContext(ctx, `
		insert into actors(id, username, email, password_hash, role, approved, pending, created_at, version)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, a.ID, a.Username, a.Email, a.PasswordHash, a.Role, a.Approved, a.Pending, a.CreatedAt, a.Version); err != nil {
		return market.Actor{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.Actor{}, err
	}
	return a, nil
}

func (s *Store) GetActor(ctx context.Context, id string) (market.Actor, error) {
	row := s.db.QueryRowContext(ctx, `select `+actorColumns+` from actors where id=$1`, id)
	return scanActor(row)
}

func (s *Store) FindActorByUsername(ctx context.Context, username string) (market.Actor, error) {
	row := s.db.QueryRowContext(ctx, `select `+actorColumns+` from actors where lower(username)=lower($1)`, strings.TrimSpace(username))
	return scanActor(row)
}

func (s *Store) VerifyActor(ctx context.Context, id string) (market.Actor, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return market.Actor{}, err
	}
	defer func() { _ = tx.Rollback() }()

	a, err := scanActor(tx.QueryRowContext(ctx, `select `+actorColumns+` from actors where id=$1 for update`, id))
	if err != nil {
		return market.Actor{}, err
	}
	updated := market.VerifyActor(a)
	updated.Version++
	if err := updateActor(ctx, tx, updated); err != nil {
		return market.Actor{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.Actor{}, err
	}
	return updated, nil
}

func (s *Store) CreateCampaign(ctx context.Context, providerID string, in market.CampaignInput) (market.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return market.Task{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var role market.Role
	err = tx.QueryRowContext(ctx, `select role from actors where id=$1`, providerID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return market.Task{}, market.ErrNotFound
	}
	if err != nil {
		return market.Task{}, err
	}
	if role != market.RoleProvider {
		return market.Task{}, market.ErrInvalidInput
	}

	t, err := market.NewCampaign(providerID, in.Name, in.Description, in.Reward, in.TotalSlots, in.TimeLimitMinutes, s.now())
	if err != nil {
		return market.Task{}, err
	}
	t.Version = 1
	if _, err := tx.ExecContext(ctx, `
		insert into tasks(id, provider_id, name, description, reward, total_slots, slots_taken, time_limit_minutes, created_at, version)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, t.ID, t.ProviderID, t.Name, t.Description, t.Reward, t.TotalSlots, t.SlotsTaken, t.TimeLimitMinutes, t.CreatedAt, t.Version); err != nil {
		return market.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.Task{}, err
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (market.Task, error) {
	row := s.db.QueryRowContext(ctx, `select `+taskColumns+` from tasks where id=$1`, id)
	return scanTask(row)
}

func (s *Store) ListOpenTasks(ctx context.Context) ([]market.Task, error) {
	return s.listTasks(ctx, `select `+taskColumns+` from tasks where slots_taken < total_slots order by seq asc`)
}

func (s *Store) ListTasksByProvider(ctx context.Context, providerID string) ([]market.Task, error) {
	return s.listTasks(ctx, `select `+taskColumns+` from tasks where provider_id=$1 order by seq asc`, providerID)
}

func (s *Store) listTasks(ctx context.Context, query string, args ...any) ([]market.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]market.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) SubmitProof(ctx context.Context, actorID, taskID, proofRef string) (market.Submission, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return market.Submission{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock actor first, then task: all writers take the same order.
	a, err := scanActor(tx.QueryRowContext(ctx, `select `+actorColumns+` from actors where id=$1 for update`, actorID))
	if err != nil {
		return market.Submission{}, err
	}
	t, err := scanTask(tx.QueryRowContext(ctx, `select `+taskColumns+` from tasks where id=$1 for update`, taskID))
	if err != nil {
		return market.Submission{}, err
	}

	sub, updatedActor, updatedTask, err := market.SubmitProof(a, t, proofRef, s.now())
	if err != nil {
		return market.Submission{}, err
	}
	updatedActor.Version++
	updatedTask.Version++
	sub.Version = 1

	if err := updateActor(ctx, tx, updatedActor); err != nil {
		return market.Submission{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update tasks set slots_taken=$2, version=$3 where id=$1
	`, updatedTask.ID, updatedTask.SlotsTaken, updatedTask.Version); err != nil {
		return market.Submission{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into submissions(id, task_id, task_name, actor_id, proof_ref, status, reward, created_at, version)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, sub.ID, sub.TaskID, sub.TaskName, sub.ActorID, sub.ProofRef, sub.Status, sub.Reward, sub.CreatedAt, sub.Version); err != nil {
		return market.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.Submission{}, err
	}
	return sub, nil
}

func (s *Store) ListSubmissionsByActor(ctx context.Context, actorID string) ([]market.Submission, error) {
	return s.listSubmissions(ctx, `select `+submissionColumns+` from submissions where actor_id=$1 order by seq asc`, actorID)
}

func (s *Store) ListSubmissionsForProvider(ctx context.Context, providerID string) ([]market.Submission, error) {
	return s.listSubmissions(ctx, `
		select s.id, s.task_id, s.task_name, s.actor_id, s.proof_ref,
			s.status, s.reward, s.created_at, s.decided_at, s.version
		from submissions s
		join tasks t on t.id = s.task_id
		where t.provider_id = $1
		order by s.seq asc
	`, providerID)
}

func (s *Store) listSubmissions(ctx context.Context, query string, args ...any) ([]market.Submission, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]market.Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) DecideSubmission(ctx context.Context, id string, approve bool) (market.Submission, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return market.Submission{}, err
	}
	defer func() { _ = tx.Rollback() }()

	sub, err := scanSubmission(tx.QueryRowContext(ctx, `select `+submissionColumns+` from submissions where id=$1 for update`, id))
	if err != nil {
		return market.Submission{}, err
	}
	a, err := scanActor(tx.QueryRowContext(ctx, `select `+actorColumns+` from actors where id=$1 for update`, sub.ActorID))
	if errors.Is(err, market.ErrNotFound) {
		return market.Submission{}, market.ErrBalanceInconsistency
	}
	if err != nil {
		return market.Submission{}, err
	}

	updatedSub, updatedActor, err := market.Decide(sub, a, approve, s.now())
	if err != nil {
		return market.Submission{}, err
	}
	updatedSub.Version++
	updatedActor.Version++

	if err := updateActor(ctx, tx, updatedActor); err != nil {
		return market.Submission{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update submissions set status=$2, decided_at=$3, version=$4 where id=$1
	`, updatedSub.ID, updatedSub.Status, updatedSub.DecidedAt, updatedSub.Version); err != nil {
		return market.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.Submission{}, err
	}
	return updatedSub, nil
}

func (s *Store) RequestWithdrawal(ctx context.Context, actorID string, amount decimal.Decimal, method market.WithdrawalMethod, details string) (market.Withdrawal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return market.Withdrawal{}, err
	}
	defer func() { _ = tx.Rollback() }()

	a, err := scanActor(tx.QueryRowContext(ctx, `select `+actorColumns+` from actors where id=$1 for update`, actorID))
	if err != nil {
		return market.Withdrawal{}, err
	}

	w, updatedActor, err := market.RequestWithdrawal(a, amount, method, details, s.now())
	if err != nil {
		return market.Withdrawal{}, err
	}
	updatedActor.Version++

	if err := updateActor(ctx, tx, updatedActor); err != nil {
		return market.Withdrawal{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into withdrawals(id, actor_id, amount, method, details, status, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, w.ID, w.ActorID, w.Amount, w.Method, w.Details, w.Status, w.CreatedAt); err != nil {
		return market.Withdrawal{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.Withdrawal{}, err
	}
	return w, nil
}

func (s *Store) ListWithdrawalsByActor(ctx context.Context, actorID string) ([]market.Withdrawal, error) {
	rows, err := s.db.QueryContext(ctx, `select `+withdrawalColumns+` from withdrawals where actor_id=$1 order by seq asc`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]market.Withdrawal, 0)
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) MarkWithdrawalPaid(ctx context.Context, id string) (market.Withdrawal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return market.Withdrawal{}, err
	}
	defer func() { _ = tx.Rollback() }()

	w, err := scanWithdrawal(tx.QueryRowContext(ctx, `select `+withdrawalColumns+` from withdrawals where id=$1 for update`, id))
	if err != nil {
		return market.Withdrawal{}, err
	}
	updated, err := market.MarkPaid(w, s.now())
	if err != nil {
		return market.Withdrawal{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update withdrawals set status=$2, paid_at=$3 where id=$1
	`, updated.ID, updated.Status, updated.PaidAt); err != nil {
		return market.Withdrawal{}, err
	}
	if err := tx.Commit(); err != nil {
		return market.Withdrawal{}, err
	}
	return updated, nil
}

func updateActor(ctx context.Context, tx *sql.Tx, a market.Actor) error {
	_, err := tx.ExecContext(ctx, `
		update actors set
			approved=$2, pending=$3,
			verified=$4, karma=$5, account_age_months=$6,
			tasks_completed_today=$7, last_task_claim_at=$8,
			withdrawals_this_period=$9, last_withdrawal_at=$10,
			version=$11
		where id=$1
	`, a.ID, a.Approved, a.Pending,
		a.Verified, a.Karma, a.AccountAgeMonths,
		a.TasksCompletedToday, a.LastTaskClaimAt,
		a.WithdrawalsThisPeriod, a.LastWithdrawalAt,
		a.Version)
	return err
}
