// Package auth implements the gateway's incoming auth/ACL layer (spec 4.G):
// caller identity extraction, per-tool visibility filtering, and argument
// policy enforcement. The outgoing half (gateway-to-backend credentials)
// lives alongside it in outgoing.go.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// Identity is the caller extracted from an incoming request: a bearer
// token subject, an mTLS subject, or the anonymous identity.
type Identity struct {
	Subject  string
	Claims   map[string]any
	ACL      *ACL
}

// anonymousSubject is the Identity.Subject value for unauthenticated callers.
const anonymousSubject = "anonymous"

// Anonymous is the identity used when no credential was presented and the
// gateway's incoming-auth mode allows that.
var Anonymous = Identity{Subject: anonymousSubject}

// IncomingAuthenticator extracts an Identity from an inbound client request.
type IncomingAuthenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// AnonymousAuthenticator always succeeds with the Anonymous identity. Used
// when CALLER auth is disabled entirely (local/dev deployments).
type AnonymousAuthenticator struct{ ACL *ACL }

// Authenticate always returns Anonymous (with ACL attached, if any).
func (a *AnonymousAuthenticator) Authenticate(*http.Request) (Identity, error) {
	id := Anonymous
	id.ACL = a.ACL
	return id, nil
}

// BearerTokenValidator validates an opaque or JWT bearer token and returns
// the subject/claims it asserts. Concrete validation (JWKS lookup, HMAC
// secret, or "accept any non-empty token as an opaque identity") is
// supplied by the caller; this package only owns extraction and ACL
// resolution, not signature verification policy.
type BearerTokenValidator interface {
	Validate(ctx context.Context, token string) (subject string, claims map[string]any, err error)
}

// BearerAuthenticator extracts a bearer token from the Authorization header
// and resolves it to an Identity via validator, then attaches the ACL
// resolver's allow-list for that subject.
type BearerAuthenticator struct {
	Validator BearerTokenValidator
	Resolve   func(subject string) *ACL
}

// Authenticate implements IncomingAuthenticator.
func (a *BearerAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return Identity{}, ErrMissingCredential
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return Identity{}, ErrMissingCredential
	}

	subject, claims, err := a.Validator.Validate(r.Context(), token)
	if err != nil {
		return Identity{}, ErrInvalidCredential
	}

	id := Identity{Subject: subject, Claims: claims}
	if a.Resolve != nil {
		id.ACL = a.Resolve(subject)
	}
	return id, nil
}
