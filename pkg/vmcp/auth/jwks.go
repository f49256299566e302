package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// jwksRegistrationTimeout bounds the first JWKS fetch, which happens lazily
// on the first token this validator sees rather than blocking gateway
// startup.
const jwksRegistrationTimeout = 5 * time.Second

// JWKSValidator validates bearer tokens against a remote JWKS endpoint,
// checking signature, issuer, audience, and expiry. It implements
// BearerTokenValidator; the incoming-auth factory in cmd/vmcp wires it into
// a BearerAuthenticator.
type JWKSValidator struct {
	JWKSURL  string
	Issuer   string
	Audience string

	once     sync.Once
	cache    *jwk.Cache
	cacheErr error
}

// ensureCache lazily builds the auto-refreshing JWKS cache and registers
// JWKSURL with it, grounded on the teacher's TokenValidator.ensureJWKSRegistered.
func (v *JWKSValidator) ensureCache(ctx context.Context) (*jwk.Cache, error) {
	v.once.Do(func() {
		registerCtx, cancel := context.WithTimeout(ctx, jwksRegistrationTimeout)
		defer cancel()

		cache, err := jwk.NewCache(registerCtx, httprc.NewClient())
		if err != nil {
			v.cacheErr = fmt.Errorf("auth: build JWKS cache: %w", err)
			return
		}
		if err := cache.Register(registerCtx, v.JWKSURL); err != nil {
			v.cacheErr = fmt.Errorf("auth: register JWKS URL %q: %w", v.JWKSURL, err)
			return
		}
		v.cache = cache
	})
	return v.cache, v.cacheErr
}

func (v *JWKSValidator) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("auth: token header missing kid")
		}

		cache, err := v.ensureCache(ctx)
		if err != nil {
			return nil, err
		}
		keySet, err := cache.Lookup(ctx, v.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("auth: lookup JWKS: %w", err)
		}
		key, found := keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("auth: key id %q not found in JWKS", kid)
		}
		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			return nil, fmt.Errorf("auth: export JWKS key: %w", err)
		}
		return raw, nil
	}
}

// Validate implements BearerTokenValidator: it parses and verifies the
// token's signature against JWKSURL and checks issuer/audience if
// configured, returning the subject claim ("sub") and the full claim set.
func (v *JWKSValidator) Validate(ctx context.Context, tokenString string) (string, map[string]any, error) {
	parserOpts := []jwt.ParserOption{}
	if v.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.Audience))
	}

	token, err := jwt.Parse(tokenString, v.keyfunc(ctx), parserOpts...)
	if err != nil {
		return "", nil, fmt.Errorf("auth: token validation failed: %w", err)
	}
	if !token.Valid {
		return "", nil, fmt.Errorf("auth: token invalid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", nil, fmt.Errorf("auth: unexpected claims type")
	}
	subject, _ := claims.GetSubject()

	out := make(map[string]any, len(claims))
	for k, val := range claims {
		out[k] = val
	}
	return subject, out, nil
}
