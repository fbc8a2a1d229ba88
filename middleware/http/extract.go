package http

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/inkpass/pkg/billing"
)

// ProfileExtractor extracts the caller identity from an HTTP request.
// It returns an error wrapping billing.ErrUnauthenticated when none is present.
type ProfileExtractor func(r *http.Request) (billing.Profile, error)

// Headers set by a trusted upstream auth proxy.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
	HeaderUserName  = "X-User-Name"
	HeaderUserRole  = "X-User-Role"
)

// Claims is the bearer token payload issued by the platform's auth service.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWT returns a ProfileExtractor that validates an HS256 bearer token.
// The subject claim is the user id.
func JWT(secret []byte) ProfileExtractor {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }

	return func(r *http.Request) (billing.Profile, error) {
		raw, ok := bearerToken(r)
		if !ok {
			return billing.Profile{}, fmt.Errorf("%w: missing bearer token", billing.ErrUnauthenticated)
		}
		var claims Claims
		if _, err := parser.ParseWithClaims(raw, &claims, keyFunc); err != nil {
			return billing.Profile{}, fmt.Errorf("%w: %v", billing.ErrUnauthenticated, err)
		}
		if claims.Subject == "" {
			return billing.Profile{}, fmt.Errorf("%w: token has no subject", billing.ErrUnauthenticated)
		}
		return newProfile(claims.Subject, claims.Email, claims.Name, claims.Role)
	}
}

// FromHeaders returns a ProfileExtractor that trusts identity headers set by
// an upstream proxy. Only use it behind a proxy that strips client copies.
func FromHeaders() ProfileExtractor {
	return func(r *http.Request) (billing.Profile, error) {
		userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if userID == "" {
			return billing.Profile{}, fmt.Errorf("%w: missing %s header", billing.ErrUnauthenticated, HeaderUserID)
		}
		return newProfile(userID, r.Header.Get(HeaderUserEmail), r.Header.Get(HeaderUserName), r.Header.Get(HeaderUserRole))
	}
}

func newProfile(userID, email, name, role string) (billing.Profile, error) {
	p := billing.Profile{
		UserID: userID,
		Email:  strings.TrimSpace(email),
		Name:   strings.TrimSpace(name),
		Role:   billing.Role(strings.ToLower(strings.TrimSpace(role))),
	}
	if p.Role == "" {
		p.Role = billing.RoleUser
	}
	if !p.Role.Valid() {
		return billing.Profile{}, fmt.Errorf("%w: unknown role %q", billing.ErrUnauthenticated, role)
	}
	return p, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
