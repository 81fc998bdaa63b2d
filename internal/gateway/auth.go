package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/basket/ccmob/internal/audit"
)

// Credential carriers, in the order they are consulted.
const (
	QueryToken    = "token"
	HeaderToken   = "X-Auth-Token"
	SessionCookie = "mob_session"
)

const (
	sessionIssuer   = "ccmob"
	sessionAudience = "ccmob.viewer"
	sessionSubject  = "operator"
)

// ErrStaleSession rejects a session issued before the last rotation.
var ErrStaleSession = errors.New("session bound to a rotated token")

// Credentials is the subset of the credential manager the gateway needs.
type Credentials interface {
	Snapshot() (token string, generation uint64)
	Verify(candidate string) bool
	Rotate() (token string, generation uint64, err error)
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Generation uint64 `json:"gen"`
}

// Sessions issues and checks the browser session artifact: a JWT signed
// with the current token and bound to its rotation generation, so the raw
// secret never sits in the cookie.
type Sessions struct {
	creds Credentials
	ttl   time.Duration
	now   func() time.Time
}

// NewSessions returns a session issuer. now may be nil.
func NewSessions(creds Credentials, ttl time.Duration, now func() time.Time) *Sessions {
	if now == nil {
		now = time.Now
	}
	return &Sessions{creds: creds, ttl: ttl, now: now}
}

// TTL is the lifetime of an issued session.
func (s *Sessions) TTL() time.Duration { return s.ttl }

// Issue signs a new session for the token currently in force.
func (s *Sessions) Issue() (string, time.Time, error) {
	token, gen := s.creds.Snapshot()
	now := s.now().UTC()
	exp := now.Add(s.ttl)
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   sessionSubject,
			Issuer:    sessionIssuer,
			Audience:  jwt.ClaimStrings{sessionAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Generation: gen,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(token))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return signed, exp, nil
}

// Validate checks signature, expiry and generation of a session.
func (s *Sessions) Validate(raw string) error {
	if raw == "" {
		return jwt.ErrTokenMalformed
	}
	token, gen := s.creds.Snapshot()
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return []byte(token), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithAudience(sessionAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return err
	}
	if claims.Generation != gen {
		return ErrStaleSession
	}
	return nil
}

// Cookie builds the session cookie. secure marks it for HTTPS only.
func (s *Sessions) Cookie(value string, expires time.Time, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookie,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(s.ttl / time.Second),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
}

type credential struct {
	value, via string
}

// presentCredentials lists every credential on r in carrier order: query
// parameter, then header, then session cookie.
func presentCredentials(r *http.Request) []credential {
	var found []credential
	if v := r.URL.Query().Get(QueryToken); v != "" {
		found = append(found, credential{v, "query"})
	}
	if v := r.Header.Get(HeaderToken); v != "" {
		found = append(found, credential{v, "header"})
	}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		found = append(found, credential{c.Value, "cookie"})
	}
	return found
}

// ExtractCredential returns the first credential present on r and the
// carrier it came from. HTTP routes consider only that credential.
func ExtractCredential(r *http.Request) (value, via string) {
	if found := presentCredentials(r); len(found) > 0 {
		return found[0].value, found[0].via
	}
	return "", "none"
}

// Authenticator applies one credential policy to HTTP and websocket
// requests.
type Authenticator struct {
	creds    Credentials
	sessions *Sessions
}

func NewAuthenticator(creds Credentials, sessions *Sessions) *Authenticator {
	return &Authenticator{creds: creds, sessions: sessions}
}

// Check reports whether the first credential on r is valid, and which
// carrier it came from.
func (a *Authenticator) Check(r *http.Request) (bool, string) {
	value, via := ExtractCredential(r)
	return a.verify(credential{value, via}), via
}

// Authenticate is Check without the carrier.
func (a *Authenticator) Authenticate(r *http.Request) bool {
	ok, _ := a.Check(r)
	return ok
}

// AuthenticateAny accepts r when any credential it carries is valid. The
// viewer upgrade uses it: after a rotation the page URL still holds the
// old ?token= while the cookie is fresh.
func (a *Authenticator) AuthenticateAny(r *http.Request) bool {
	for _, c := range presentCredentials(r) {
		if a.verify(c) {
			return true
		}
	}
	return false
}

func (a *Authenticator) verify(c credential) bool {
	switch c.via {
	case "query", "header":
		return a.creds.Verify(c.value)
	case "cookie":
		return a.sessions.Validate(c.value) == nil
	default:
		return false
	}
}

// Require rejects unauthenticated requests with 401. Missing and wrong
// credentials get the same body.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, via := a.Check(r)
		if !ok {
			audit.RecordContext(r.Context(), "auth.check", "denied", r.Method+" "+r.URL.Path, "via="+via)
			writeError(w, http.StatusUnauthorized, MsgUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
