package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"taskpool.org/internal/audit"
	"taskpool.org/internal/auth"
	"taskpool.org/internal/market"
)

type signupRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	Actor     market.Actor `json:"actor"`
}

const tokenTTL = 15 * time.Minute

func (a *API) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req signupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	username := strings.TrimSpace(req.Username)
	email := strings.TrimSpace(req.Email)
	if username == "" || email == "" {
		writeError(w, r, http.StatusBadRequest, "username and email are required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, r, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	role := market.RoleParticipant
	if req.Role != "" {
		role = market.Role(strings.ToLower(strings.TrimSpace(req.Role)))
		if !market.ValidRole(role) {
			writeError(w, r, http.StatusBadRequest, "role must be participant or provider")
			return
		}
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	actor, err := a.svc.CreateActor(r.Context(), username, email, hash, role)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.signup", map[string]any{
		"actor_id": actor.ID,
		"username": actor.Username,
		"role":     string(actor.Role),
	})

	w.Header().Set("Location", "/v1/me")
	writeJSON(w, http.StatusCreated, actor)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}

	actor, err := a.svc.FindActorByUsername(r.Context(), username)
	if err != nil {
		// identical answer for unknown user and wrong password
		if errors.Is(err, market.ErrNotFound) {
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		handleMarketError(w, r, err)
		return
	}
	if err := auth.VerifyPassword(actor.PasswordHash, req.Password); err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := auth.GenerateToken(actor.ID, string(actor.Role), tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	expiresAt := time.Now().UTC().Add(tokenTTL)
	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"actor_id":   actor.ID,
		"username":   actor.Username,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Actor:     actor,
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actorID, ok := auth.ActorIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	actor, err := a.svc.GetActor(r.Context(), actorID)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actor)
}

// handleVerify runs the identity check and unlocks claiming. The check is
// an external provider in production; here it always passes and stamps
// the actor with baseline karma and account age.
func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actorID, ok := auth.ActorIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	actor, err := a.svc.VerifyActor(r.Context(), actorID)
	if err != nil {
		handleMarketError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "actor.verified", map[string]any{
		"actor_id": actor.ID,
	})

	writeJSON(w, http.StatusOK, actor)
}
