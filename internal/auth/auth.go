// Package auth carries the caller identity into every privileged
// operation. Engines take a Principal as an explicit argument; the HTTP
// middleware derives it from request headers.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/teamexchange/market-engine/internal/ident"
	"github.com/teamexchange/market-engine/internal/model"
)

// Role is the capability class of a caller.
type Role string

const (
	// RoleUser may trade and read only on its own account.
	RoleUser Role = "user"
	// RoleInternal is a trusted service: settlement, credits, replays.
	RoleInternal Role = "internal"
)

// Principal identifies the caller of an operation.
type Principal struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Internal returns a principal for a trusted service.
func Internal(service string) Principal {
	return Principal{ID: service, Role: RoleInternal}
}

// User returns a principal for an end user.
func User(id string) Principal {
	return Principal{ID: id, Role: RoleUser}
}

// IsInternal reports whether p carries the internal capability.
func (p Principal) IsInternal() bool { return p.Role == RoleInternal }

func (p Principal) String() string { return string(p.Role) + ":" + p.ID }

// RequireInternal fails with model.ErrForbidden unless p is internal.
func RequireInternal(p Principal, action string) error {
	if p.IsInternal() {
		return nil
	}
	return fmt.Errorf("%w: %s requires the internal capability (caller %s)", model.ErrForbidden, action, p)
}

// CanActFor fails with model.ErrForbidden unless p is internal or is the
// user itself.
func CanActFor(p Principal, userID string) error {
	if p.IsInternal() || (p.Role == RoleUser && p.ID == userID) {
		return nil
	}
	return fmt.Errorf("%w: %s may not act for user %s", model.ErrForbidden, p, userID)
}

type ctxKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal attached by Middleware, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// Header names read by Middleware.
const (
	HeaderInternalKey = "X-Internal-Key"
	HeaderUserID      = "X-User-ID"
)

// Middleware resolves the caller from X-Internal-Key or X-User-ID.
// Requests with neither pass through anonymously; a wrong internal key
// is rejected with 401.
func Middleware(internalKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := r.Header.Get(HeaderInternalKey); key != "" {
				if internalKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(internalKey)) != 1 {
					unauthorized(w)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Internal("api"))))
				return
			}
			if uid := r.Header.Get(HeaderUserID); uid != "" {
				if ident.Validate(ident.KindUser, uid) != nil {
					unauthorized(w)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), User(uid))))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Require rejects anonymous requests with 401.
func Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := FromContext(r.Context()); !ok {
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
}
