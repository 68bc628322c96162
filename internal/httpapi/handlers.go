package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"taskpool.org/internal/market"
	"taskpool.org/internal/obs"
	"taskpool.org/internal/stream"
)

// ReadyProbe reports whether the backing store is reachable. A nil DB
// (in-memory mode) is always ready.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the marketplace service.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	svc        market.Service
	stream     *stream.Stream
	adminToken string

	rateBurst   int
	ratePerSec  int
	maxBodySize int64
}

func New(rp ReadyProbe, version string, svc market.Service, st *stream.Stream, adminToken string) *API {
	a := &API{
		mux:         http.NewServeMux(),
		readyProbe:  rp,
		version:     version,
		svc:         svc,
		stream:      st,
		adminToken:  adminToken,
		rateBurst:   30,
		ratePerSec:  15,
		maxBodySize: 1 << 20,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// auth
	a.mux.HandleFunc("/v1/auth/signup", a.handleSignup)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)

	// account
	a.mux.HandleFunc("/v1/me", a.handleMe)
	a.mux.HandleFunc("/v1/me/verify", a.handleVerify)

	// marketplace
	a.mux.HandleFunc("/v1/tasks", a.handleTasksCollection)
	a.mux.HandleFunc("/v1/tasks/", a.handleTaskResource)
	a.mux.HandleFunc("/v1/submissions", a.handleSubmissionsCollection)
	a.mux.Handle("/v1/submissions/", RequireRole(string(market.RoleProvider))(http.HandlerFunc(a.handleSubmissionResource)))
	a.mux.HandleFunc("/v1/withdrawals", a.handleWithdrawalsCollection)
	a.mux.HandleFunc("/v1/withdrawals/", a.handleWithdrawalResource)

	// live event feed
	a.mux.HandleFunc("/v1/events", a.Stream)

	// корень — 404
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// WithRateLimit overrides the default per-IP throttle. Intended for tests
// and load tuning.
func (a *API) WithRateLimit(burst, perSecond int) *API {
	a.rateBurst = burst
	a.ratePerSec = perSecond
	return a
}

// Handler wraps the mux with the full middleware chain. Order matters:
// the request id must exist before anything that logs or errors.
func (a *API) Handler() http.Handler {
	h := http.Handler(a.mux)
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBodySize)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "taskpool-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "taskpool-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
