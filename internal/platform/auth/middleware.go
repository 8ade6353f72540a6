package auth

import (
	"net/http"
	"strings"

	"github.com/nearbuy/api/internal/platform/httpx"
)

const (
	actorIDHeader   = "X-Actor-Id"
	actorRoleHeader = "X-Actor-Role"
)

// RequireActor extracts the trusted actor headers set by the upstream auth
// proxy and stores the identity on the request context. Requests without an
// actor id are rejected; role defaults to buyer when omitted.
func RequireActor(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedRoles))
	for _, role := range allowedRoles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role != "" {
			allowed[role] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			actorID := strings.TrimSpace(r.Header.Get(actorIDHeader))
			if actorID == "" {
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "actor identity missing", http.StatusUnauthorized))
				return
			}

			role := strings.ToLower(strings.TrimSpace(r.Header.Get(actorRoleHeader)))
			if role == "" {
				role = RoleBuyer
			}

			if len(allowed) > 0 {
				if _, ok := allowed[role]; !ok {
					httpx.WriteError(ctx, w, httpx.NewError("forbidden", "actor role not permitted", http.StatusForbidden))
					return
				}
			}

			identity := &Identity{ActorID: actorID, Role: role}
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}
