package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"taskpool.org/internal/market"
)

var frozen = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db).WithClock(func() time.Time { return frozen }), mock
}

func actorRows(approved, pending string, verified bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "username", "email", "password_hash", "role", "approved", "pending",
		"verified", "karma", "account_age_months",
		"tasks_completed_today", "last_task_claim_at",
		"withdrawals_this_period", "last_withdrawal_at",
		"created_at", "version",
	}).AddRow(
		"actor-1", "alice", "alice@example.com", "hash", "participant", approved, pending,
		verified, 250, 5,
		0, nil,
		0, nil,
		frozen.Add(-24*time.Hour), 3,
	)
}

func TestGetActorNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("select (.+) from actors where id=").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := s.GetActor(context.Background(), "missing"); !errors.Is(err, market.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRequestWithdrawalDebitsAndRecords(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from actors where id=(.+) for update").
		WithArgs("actor-1").
		WillReturnRows(actorRows("5.00", "0", true))
	mock.ExpectExec("update actors set").
		WithArgs("actor-1",
			sqlmock.AnyArg(), sqlmock.AnyArg(), // balances
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), // verification
			sqlmock.AnyArg(), sqlmock.AnyArg(), // task counters
			sqlmock.AnyArg(), sqlmock.AnyArg(), // withdrawal counters
			uint64(4)). // version bump
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into withdrawals").
		WithArgs(sqlmock.AnyArg(), "actor-1", sqlmock.AnyArg(), "gift_card", "alice@example.com", "pending", frozen).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w, err := s.RequestWithdrawal(context.Background(), "actor-1", decimal.RequireFromString("3.00"), market.MethodGiftCard, "alice@example.com")
	if err != nil {
		t.Fatalf("RequestWithdrawal: %v", err)
	}
	if w.Status != market.WithdrawalPending {
		t.Fatalf("unexpected status: %s", w.Status)
	}
	if !w.Amount.Equal(decimal.RequireFromString("3.00")) {
		t.Fatalf("unexpected amount: %s", w.Amount)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRequestWithdrawalIneligibleRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from actors where id=(.+) for update").
		WithArgs("actor-1").
		WillReturnRows(actorRows("0.50", "0", true))
	mock.ExpectRollback()

	_, err := s.RequestWithdrawal(context.Background(), "actor-1", decimal.RequireFromString("0.50"), market.MethodCrypto, "0xabc")
	var ne *market.NotEligibleError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NotEligibleError, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSubmitProofPersistsLockedEntitiesTogether(t *testing.T) {
	s, mock := newMockStore(t)

	taskRows := sqlmock.NewRows([]string{
		"id", "provider_id", "name", "description", "reward",
		"total_slots", "slots_taken", "time_limit_minutes", "created_at", "version",
	}).AddRow("task-1", "prov-1", "Upvote", "Upvote the post", "0.20", 5, 0, 30, frozen.Add(-time.Hour), 1)

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from actors where id=(.+) for update").
		WithArgs("actor-1").
		WillReturnRows(actorRows("0", "0", true))
	mock.ExpectQuery("select (.+) from tasks where id=(.+) for update").
		WithArgs("task-1").
		WillReturnRows(taskRows)
	mock.ExpectExec("update actors set").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update tasks set slots_taken").
		WithArgs("task-1", 1, uint64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into submissions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sub, err := s.SubmitProof(context.Background(), "actor-1", "task-1", "proof-ref")
	if err != nil {
		t.Fatalf("SubmitProof: %v", err)
	}
	if sub.Status != market.SubmissionPending || sub.TaskID != "task-1" {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	if !sub.Reward.Equal(decimal.RequireFromString("0.20")) {
		t.Fatalf("reward snapshot: %s", sub.Reward)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSubmitProofSlotsExhausted(t *testing.T) {
	s, mock := newMockStore(t)

	taskRows := sqlmock.NewRows([]string{
		"id", "provider_id", "name", "description", "reward",
		"total_slots", "slots_taken", "time_limit_minutes", "created_at", "version",
	}).AddRow("task-1", "prov-1", "Upvote", "Upvote the post", "0.20", 1, 1, 30, frozen.Add(-time.Hour), 2)

	mock.ExpectBegin()
	mock.ExpectQuery("select (.+) from actors where id=(.+) for update").
		WithArgs("actor-1").
		WillReturnRows(actorRows("0", "0", true))
	mock.ExpectQuery("select (.+) from tasks where id=(.+) for update").
		WithArgs("task-1").
		WillReturnRows(taskRows)
	mock.ExpectRollback()

	if _, err := s.SubmitProof(context.Background(), "actor-1", "task-1", "ref"); !errors.Is(err, market.ErrSlotsExhausted) {
		t.Fatalf("expected ErrSlotsExhausted, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
