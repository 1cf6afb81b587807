package ws

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenRequired is returned when a hello carries no token but one is required.
	ErrTokenRequired = errors.New("hello token is required")
	// ErrTokenInvalid wraps signature, algorithm and expiry failures.
	ErrTokenInvalid = errors.New("hello token is invalid")
	// ErrTokenSession is returned when the token names a different session.
	ErrTokenSession = errors.New("hello token is for another session")
	// ErrClientVersion is returned when a client is older than the minimum.
	ErrClientVersion = errors.New("client version not supported")
)

// HelloClaims are the claims of a signed hello token. The subject, when
// present, becomes the client id.
type HelloClaims struct {
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier checks HS256 hello tokens.
type TokenVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewTokenVerifier returns nil when secret is empty, which disables token
// checks.
func NewTokenVerifier(secret string, now func() time.Time) *TokenVerifier {
	if secret == "" {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &TokenVerifier{secret: []byte(secret), now: now}
}

// Verify parses token and validates its signature and expiry.
func (v *TokenVerifier) Verify(token string) (HelloClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return HelloClaims{}, ErrTokenRequired
	}
	var claims HelloClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return HelloClaims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return claims, nil
}

// SignHelloToken issues an HS256 hello token.
func SignHelloToken(secret string, claims HelloClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// versionGate rejects clients older than a minimum semantic version.
type versionGate struct {
	constraint *semver.Constraints
}

func newVersionGate(minimum string) (*versionGate, error) {
	minimum = strings.TrimSpace(minimum)
	if minimum == "" {
		return nil, nil
	}
	constraint, err := semver.NewConstraint(">= " + minimum)
	if err != nil {
		return nil, fmt.Errorf("parse minimum client version %q: %w", minimum, err)
	}
	return &versionGate{constraint: constraint}, nil
}

func (g *versionGate) check(raw string) error {
	if g == nil {
		return nil
	}
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: version missing, need %s", ErrClientVersion, g.constraint)
	}
	version, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("%w: %q is not a semantic version", ErrClientVersion, raw)
	}
	if !g.constraint.Check(version) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrClientVersion, version, g.constraint)
	}
	return nil
}
