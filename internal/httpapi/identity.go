package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Identity is the caller as resolved by the identity collaborator. The
// core trusts these headers and performs no authentication itself.
type Identity struct {
	UserID uuid.UUID
	Role   string
	Name   string
}

const (
	RoleHost   = "host"
	RoleBidder = "bidder"
)

type identityKey struct{}

// WithIdentity extracts the resolved identity headers, rejecting
// requests without a usable user id.
func WithIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.Header.Get("X-User-Id"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "missing or invalid user identity")
			return
		}
		ident := Identity{
			UserID: userID,
			Role:   r.Header.Get("X-User-Role"),
			Name:   r.Header.Get("X-User-Name"),
		}
		if ident.Role == "" {
			ident.Role = RoleBidder
		}
		ctx := context.WithValue(r.Context(), identityKey{}, ident)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(r *http.Request) Identity {
	ident, _ := r.Context().Value(identityKey{}).(Identity)
	return ident
}
