package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"taskpool.org/internal/market"
)

// Runs the full marketplace lifecycle against the in-memory store. The
// clock is injected so the claim and withdrawal gaps can be crossed
// without sleeping.
func main() {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	svc := market.NewInMemory().WithClock(func() time.Time { return now })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := svc.CreateActor(ctx, "smoke-provider", "provider@smoke.local", "x", market.RoleProvider)
	if err != nil {
		log.Fatalf("create provider: %v", err)
	}
	worker, err := svc.CreateActor(ctx, "smoke-worker", "worker@smoke.local", "x", market.RoleParticipant)
	if err != nil {
		log.Fatalf("create worker: %v", err)
	}
	if worker, err = svc.VerifyActor(ctx, worker.ID); err != nil {
		log.Fatalf("verify worker: %v", err)
	}

	task, err := svc.CreateCampaign(ctx, provider.ID, market.CampaignInput{
		Name:             "Smoke campaign",
		Reward:           decimal.RequireFromString("1.25"),
		TotalSlots:       2,
		TimeLimitMinutes: 10,
	})
	if err != nil {
		log.Fatalf("create campaign: %v", err)
	}

	sub, err := svc.SubmitProof(ctx, worker.ID, task.ID, "https://proof.smoke/1")
	if err != nil {
		log.Fatalf("submit proof: %v", err)
	}
	if sub, err = svc.DecideSubmission(ctx, sub.ID, true); err != nil {
		log.Fatalf("approve submission: %v", err)
	}
	if sub.Status != market.SubmissionApproved {
		log.Fatalf("unexpected submission status: %s", sub.Status)
	}

	wd, err := svc.RequestWithdrawal(ctx, worker.ID, decimal.RequireFromString("1.00"), market.MethodGiftCard, "worker@smoke.local")
	if err != nil {
		log.Fatalf("request withdrawal: %v", err)
	}
	if wd, err = svc.MarkWithdrawalPaid(ctx, wd.ID); err != nil {
		log.Fatalf("mark paid: %v", err)
	}

	worker, err = svc.GetActor(ctx, worker.ID)
	if err != nil {
		log.Fatalf("reload worker: %v", err)
	}
	want := decimal.RequireFromString("0.25")
	if !worker.Approved.Equal(want) || !worker.Pending.IsZero() {
		log.Fatalf("balance drift: approved=%s pending=%s", worker.Approved, worker.Pending)
	}

	// A second claim must be blocked until the six hour gap passes.
	if _, err = svc.SubmitProof(ctx, worker.ID, task.ID, "https://proof.smoke/2"); err == nil {
		log.Fatal("expected claim gap rejection")
	}
	now = now.Add(6 * time.Hour)
	if _, err = svc.SubmitProof(ctx, worker.ID, task.ID, "https://proof.smoke/2"); err != nil {
		log.Fatalf("submit after gap: %v", err)
	}

	fmt.Printf("✅ market smoke test passed: task=%s withdrawal=%s\n", task.ID, wd.ID)
}
