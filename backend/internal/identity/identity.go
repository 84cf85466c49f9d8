// Package identity is the narrow contract with the external identity
// provider: turn a presented credential into a stable participant id. Token
// issuance for interactive login lives elsewhere; this package only mints
// the short-lived connect tokens embedded in session create replies.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuthFailure covers every way a credential can be unacceptable. Callers
// refuse the connection before touching any session state.
var ErrAuthFailure = errors.New("AUTH_REQUIRED")

// Identity is what a validated credential resolves to.
type Identity struct {
	ParticipantID string
	Name          string
	// SessionID is set on connect tokens, which are scoped to one session.
	SessionID string
}

type Provider interface {
	Validate(credential string) (Identity, error)
}

// ConnectMinter issues the short-lived credential returned from the REST
// create-session endpoint and consumed by the websocket handshake.
type ConnectMinter interface {
	MintConnectToken(participantID, name, sessionID string) (string, error)
}

type claims struct {
	ParticipantID string `json:"sub"`
	Name          string `json:"name"`
	Type          string `json:"typ"`
	SessionID     string `json:"sessionId,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider validates HS256 tokens sharing a secret with the identity
// service.
type JWTProvider struct {
	secret     []byte
	connectTTL time.Duration
}

func NewJWTProvider(secret string, connectTTL time.Duration) *JWTProvider {
	if connectTTL <= 0 {
		connectTTL = 2 * time.Minute
	}
	return &JWTProvider{secret: []byte(secret), connectTTL: connectTTL}
}

func (p *JWTProvider) Validate(credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: missing credential", ErrAuthFailure)
	}
	token, err := jwt.ParseWithClaims(credential, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}
	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid claims", ErrAuthFailure)
	}
	if c.Type != "access" && c.Type != "connect" {
		return Identity{}, fmt.Errorf("%w: unexpected token type %q", ErrAuthFailure, c.Type)
	}
	if c.ParticipantID == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrAuthFailure)
	}
	return Identity{ParticipantID: c.ParticipantID, Name: c.Name, SessionID: c.SessionID}, nil
}

func (p *JWTProvider) MintConnectToken(participantID, name, sessionID string) (string, error) {
	c := &claims{
		ParticipantID: participantID,
		Name:          name,
		Type:          "connect",
		SessionID:     sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(p.connectTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(p.secret)
}

// MintAccessToken exists for tooling and tests; production access tokens
// come from the identity service itself.
func (p *JWTProvider) MintAccessToken(participantID, name string, ttl time.Duration) (string, error) {
	c := &claims{
		ParticipantID: participantID,
		Name:          name,
		Type:          "access",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(p.secret)
}
