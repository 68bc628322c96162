package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"taskpool.org/internal/audit"
	"taskpool.org/internal/auth"
	"taskpool.org/internal/market"
	"taskpool.org/internal/obs"
	"taskpool.org/internal/stream"
)

type createTaskRequest struct {
	Name             string          `json:"name"`
	Description      string          `json:"description"`
	Reward           decimal.Decimal `json:"reward"`
	TotalSlots       int             `json:"total_slots"`
	TimeLimitMinutes int             `json:"time_limit_minutes"`
}

type submitProofRequest struct {
	ProofRef string `json:"proof_ref"`
}

type decisionRequest struct {
	Approve bool `json:"approve"`
}

type withdrawalRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Method  string          `json:"method"`
	Details string          `json:"details"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func (a *API) handleTasksCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listTasks(w, r)
	case http.MethodPost:
		a.createTask(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleTaskResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if strings.HasSuffix(path, "/submissions") {
		id := strings.TrimSuffix(path, "/submissions")
		id = strings.TrimSuffix(id, "/")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "task not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.submitProof(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getTask(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	var (
		tasks []market.Task
		err   error
	)
	if r.URL.Query().Get("mine") == "true" {
		actorID, ok := auth.ActorIDFromContext(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		tasks, err = a.svc.ListTasksByProvider(r.Context(), actorID)
	} else {
		tasks, err = a.svc.ListOpenTasks(r.Context())
	}
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[market.Task]{Items: tasks, Count: len(tasks)})
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	actorID, ok := auth.ActorIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if !auth.HasRole(r.Context(), string(market.RoleProvider)) {
		writeError(w, r, http.StatusForbidden, "only providers can create tasks")
		return
	}

	var req createTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	if len(req.Name) > 200 {
		writeError(w, r, http.StatusBadRequest, "name too long")
		return
	}

	task, err := a.svc.CreateCampaign(r.Context(), actorID, market.CampaignInput{
		Name:             strings.TrimSpace(req.Name),
		Description:      strings.TrimSpace(req.Description),
		Reward:           req.Reward,
		TotalSlots:       req.TotalSlots,
		TimeLimitMinutes: req.TimeLimitMinutes,
	})
	if err != nil {
		handleMarketError(w, r, err)
		return
	}

	a.audit(r.Context(), "task.created", "task", task.ID, map[string]string{
		"provider_id": actorID,
		"reward":      task.Reward.String(),
		"total_slots": strconv.Itoa(task.TotalSlots),
	})

	w.Header().Set("Location", "/v1/tasks/"+task.ID)
	writeJSON(w, http.StatusCreated, task)
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request, id string) {
	task, err := a.svc.GetTask(r.Context(), id)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *API) submitProof(w http.ResponseWriter, r *http.Request, taskID string) {
	actorID, ok := auth.ActorIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req submitProofRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	proofRef := strings.TrimSpace(req.ProofRef)
	if proofRef == "" {
		writeError(w, r, http.StatusBadRequest, "proof_ref is required")
		return
	}
	if len(proofRef) > 512 {
		writeError(w, r, http.StatusBadRequest, "proof_ref too long")
		return
	}

	sub, err := a.svc.SubmitProof(r.Context(), actorID, taskID, proofRef)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}

	if a.stream != nil {
		a.stream.Publish(stream.Event{
			Kind:     stream.SubmissionCreated,
			EntityID: sub.ID,
			ActorID:  sub.ActorID,
			TaskID:   sub.TaskID,
			Amount:   sub.Reward,
		})
	}
	a.audit(r.Context(), "submission.created", "submission", sub.ID, map[string]string{
		"task_id": sub.TaskID,
		"reward":  sub.Reward.String(),
	})

	w.Header().Set("Location", "/v1/submissions/"+sub.ID)
	writeJSON(w, http.StatusCreated, sub)
}

func (a *API) handleSubmissionsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actorID, ok := auth.ActorIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var (
		subs []market.Submission
		err  error
	)
	if auth.HasRole(r.Context(), string(market.RoleProvider)) {
		subs, err = a.svc.ListSubmissionsForProvider(r.Context(), actorID)
	} else {
		subs, err = a.svc.ListSubmissionsByActor(r.Context(), actorID)
	}
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[market.Submission]{Items: subs, Count: len(subs)})
}

func (a *API) handleSubmissionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/submissions/")
	id := strings.TrimSuffix(path, "/decision")
	if id == "" || id == path || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.decideSubmission(w, r, id)
}

func (a *API) decideSubmission(w http.ResponseWriter, r *http.Request, id string) {
	providerID, _ := auth.ActorIDFromContext(r.Context())

	var req decisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// only the provider who owns the task may decide; a miss reads as 404
	// so submission ids stay unguessable
	owned, err := a.svc.ListSubmissionsForProvider(r.Context(), providerID)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	found := false
	for _, s := range owned {
		if s.ID == id {
			found = true
			break
		}
	}
	if !found {
		writeError(w, r, http.StatusNotFound, "submission not found")
		return
	}

	sub, err := a.svc.DecideSubmission(r.Context(), id, req.Approve)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}

	obs.CountDecision(string(sub.Status))
	if a.stream != nil {
		a.stream.Publish(stream.Event{
			Kind:     stream.SubmissionDecided,
			EntityID: sub.ID,
			ActorID:  sub.ActorID,
			TaskID:   sub.TaskID,
			Amount:   sub.Reward,
			Outcome:  string(sub.Status),
		})
	}
	a.audit(r.Context(), "submission.decided", "submission", sub.ID, map[string]string{
		"outcome": string(sub.Status),
		"reward":  sub.Reward.String(),
	})

	writeJSON(w, http.StatusOK, sub)
}

func (a *API) handleWithdrawalsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listWithdrawals(w, r)
	case http.MethodPost:
		a.requestWithdrawal(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleWithdrawalResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/withdrawals/")
	id := strings.TrimSuffix(path, "/paid")
	if id == "" || id == path || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.markWithdrawalPaid(w, r, id)
}

func (a *API) listWithdrawals(w http.ResponseWriter, r *http.Request) {
	actorID, ok := auth.ActorIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	ws, err := a.svc.ListWithdrawalsByActor(r.Context(), actorID)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[market.Withdrawal]{Items: ws, Count: len(ws)})
}

func (a *API) requestWithdrawal(w http.ResponseWriter, r *http.Request) {
	actorID, ok := auth.ActorIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req withdrawalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	method := market.WithdrawalMethod(strings.ToLower(strings.TrimSpace(req.Method)))
	if !market.ValidMethod(method) {
		writeError(w, r, http.StatusBadRequest, "method must be gift_card or crypto")
		return
	}

	wd, err := a.svc.RequestWithdrawal(r.Context(), actorID, req.Amount, method, strings.TrimSpace(req.Details))
	if err != nil {
		handleMarketError(w, r, err)
		return
	}

	obs.CountWithdrawalRequest()
	if a.stream != nil {
		a.stream.Publish(stream.Event{
			Kind:     stream.WithdrawalRequested,
			EntityID: wd.ID,
			ActorID:  wd.ActorID,
			Amount:   wd.Amount,
		})
	}
	a.audit(r.Context(), "withdrawal.requested", "withdrawal", wd.ID, map[string]string{
		"amount": wd.Amount.String(),
		"method": string(wd.Method),
	})

	w.Header().Set("Location", "/v1/withdrawals/"+wd.ID)
	writeJSON(w, http.StatusCreated, wd)
}

// markWithdrawalPaid is an operator endpoint gated by the shared admin
// token, not by a session.
func (a *API) markWithdrawalPaid(w http.ResponseWriter, r *http.Request, id string) {
	if a.adminToken == "" {
		writeError(w, r, http.StatusServiceUnavailable, "admin endpoint disabled")
		return
	}
	got := r.Header.Get("X-Admin-Token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.adminToken)) != 1 {
		writeError(w, r, http.StatusForbidden, "invalid admin token")
		return
	}

	wd, err := a.svc.MarkWithdrawalPaid(r.Context(), id)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}

	if a.stream != nil {
		a.stream.Publish(stream.Event{
			Kind:     stream.WithdrawalPaid,
			EntityID: wd.ID,
			ActorID:  wd.ActorID,
			Amount:   wd.Amount,
		})
	}
	a.audit(r.Context(), "withdrawal.paid", "withdrawal", wd.ID, map[string]string{
		"amount": wd.Amount.String(),
	})

	writeJSON(w, http.StatusOK, wd)
}

// --- helpers ---

func (a *API) audit(ctx context.Context, event, entityType, entityID string, meta map[string]string) {
	fields := map[string]any{
		"entity_type": entityType,
		"entity_id":   entityID,
	}
	for k, v := range meta {
		fields[k] = v
	}
	_ = audit.LogEvent(ctx, event, fields)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleMarketError(w http.ResponseWriter, r *http.Request, err error) {
	var notEligible *market.NotEligibleError
	switch {
	case errors.As(err, &notEligible):
		writeError(w, r, http.StatusUnprocessableEntity, notEligible.Reason)
	case errors.Is(err, market.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, market.ErrSlotsExhausted),
		errors.Is(err, market.ErrAlreadyDecided),
		errors.Is(err, market.ErrUsernameTaken):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, market.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, market.ErrBalanceInconsistency):
		obs.Logger().Printf(`{"level":"error","msg":"balance_inconsistency","request_id":%q}`, RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
