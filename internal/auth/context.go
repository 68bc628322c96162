package auth

import (
	"context"
	"strings"
)

type ctxKey string

const (
	actorIDKey ctxKey = "auth_actor_id"
	roleKey    ctxKey = "auth_role"
)

// ContextWithActor stores the authenticated actor identity in the context.
func ContextWithActor(ctx context.Context, actorID, role string) context.Context {
	ctx = context.WithValue(ctx, actorIDKey, strings.TrimSpace(actorID))
	role = strings.TrimSpace(strings.ToLower(role))
	if role != "" {
		ctx = context.WithValue(ctx, roleKey, role)
	}
	return ctx
}

// ActorIDFromContext extracts the authenticated actor id from context.
func ActorIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(actorIDKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// RoleFromContext returns the actor role stored in context, if any.
func RoleFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(roleKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// HasRole checks whether the context carries the specified role.
func HasRole(ctx context.Context, role string) bool {
	got, ok := RoleFromContext(ctx)
	return ok && got == strings.TrimSpace(strings.ToLower(role))
}
