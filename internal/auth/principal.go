package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cubbystore/cubby/internal/catalog"
)

// Principal is an authenticated API caller resolved from a bearer token.
type Principal struct {
	User  *catalog.User
	Token *catalog.APIToken
}

// IsAdmin reports whether the principal's user has admin rights.
func (p *Principal) IsAdmin() bool {
	return p != nil && p.User != nil && p.User.IsAdmin
}

// CanAccessBucket reports whether the principal may read and write the
// bucket regardless of its access mode. Owners and admins qualify.
func (p *Principal) CanAccessBucket(bucket *catalog.Bucket) bool {
	if p == nil || p.User == nil {
		return false
	}
	return p.User.IsAdmin || bucket.OwnerID == p.User.ID
}

// PrincipalResolver resolves bearer tokens from the file and file-request
// APIs into principals.
type PrincipalResolver struct {
	catalog *catalog.Store
}

// NewPrincipalResolver creates a PrincipalResolver backed by the catalog.
func NewPrincipalResolver(cat *catalog.Store) *PrincipalResolver {
	return &PrincipalResolver{catalog: cat}
}

// BearerToken extracts the token from the Authorization header or the
// token query parameter. Returns "" when neither is present.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
	}
	return r.URL.Query().Get("token")
}

// Resolve looks up the request's bearer token and returns the principal.
// Returns nil without error when the request carries no token; expired or
// unknown tokens and disabled users also resolve to nil.
func (pr *PrincipalResolver) Resolve(r *http.Request) (*Principal, error) {
	return pr.ResolveToken(r.Context(), BearerToken(r))
}

// ResolveToken resolves a raw token value. The file-request upload scripts
// send the token in an X-Api-Key header instead of a bearer header, so this
// is exposed separately from Resolve.
func (pr *PrincipalResolver) ResolveToken(ctx context.Context, secret string) (*Principal, error) {
	if secret == "" {
		return nil, nil
	}

	token, err := pr.catalog.GetAPIToken(ctx, secret)
	if err != nil {
		if err == catalog.ErrTokenNotFound {
			return nil, nil
		}
		return nil, err
	}
	if token.Expired(time.Now()) {
		return nil, nil
	}

	user, err := pr.catalog.GetUserByID(ctx, token.UserID)
	if err != nil {
		if err == catalog.ErrUserNotFound {
			return nil, nil
		}
		return nil, err
	}
	if !user.Enabled {
		return nil, nil
	}

	return &Principal{User: user, Token: token}, nil
}
