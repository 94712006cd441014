// Package access decides which callers may see a connection and which may
// mutate connections through the admin API.
package access

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Authorizer gates the fetch endpoint and the admin API.
type Authorizer interface {
	CanAccess(r *http.Request, id string) bool
	CanAdminister(r *http.Request) bool
}

// Modes accepted by New.
const (
	ModeOpen  = "open"
	ModeToken = "token"
)

// Wildcard in the connections claim grants every connection.
const Wildcard = "*"

var (
	// ErrEmptySecret is returned when token mode has no signing secret.
	ErrEmptySecret = errors.New("token signing secret is empty")
	// ErrNoToken is returned when a request carries no token.
	ErrNoToken = errors.New("no bearer token")
)

// New returns the authorizer for mode.
func New(mode string, secret []byte) (Authorizer, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeOpen:
		return AllowAll{}, nil
	case ModeToken:
		return NewTokenAuthorizer(secret)
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// AllowAll grants everything. Meant for development.
type AllowAll struct{}

func (AllowAll) CanAccess(*http.Request, string) bool { return true }
func (AllowAll) CanAdminister(*http.Request) bool     { return true }

// Claims carried by access tokens.
type Claims struct {
	Connections []string `json:"connections,omitempty"`
	Admin       bool     `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Allows reports whether the claims grant id.
func (c *Claims) Allows(id string) bool {
	return c.Admin || slices.Contains(c.Connections, Wildcard) || slices.Contains(c.Connections, id)
}

// TokenAuthorizer validates HS256 bearer tokens.
type TokenAuthorizer struct {
	secret []byte
	parser *jwt.Parser
}

// NewTokenAuthorizer returns an authorizer verifying tokens signed with secret.
func NewTokenAuthorizer(secret []byte) (*TokenAuthorizer, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return &TokenAuthorizer{
		secret: append([]byte(nil), secret...),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(5*time.Second)),
	}, nil
}

// Issue signs claims.
func (a *TokenAuthorizer) Issue(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse validates a token and returns its claims.
func (a *TokenAuthorizer) Parse(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	claims := &Claims{}
	if _, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

// Claims returns the validated claims of the request token.
func (a *TokenAuthorizer) Claims(r *http.Request) (*Claims, error) {
	return a.Parse(ExtractToken(r))
}

func (a *TokenAuthorizer) CanAccess(r *http.Request, id string) bool {
	claims, err := a.Claims(r)
	return err == nil && claims.Allows(id)
}

func (a *TokenAuthorizer) CanAdminister(r *http.Request) bool {
	claims, err := a.Claims(r)
	return err == nil && claims.Admin
}

// ExtractToken returns the bearer token of r, falling back to the token
// query parameter.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
