// Package auth issues and validates the bearer tokens carried by reporting
// agents. Tokens are HMAC-signed JWTs whose subject is the agent's email.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 90 * 24 * time.Hour

	tokenIssuer   = "cursor-usage-server"
	tokenAudience = "cursor-usage-ingest"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// AgentTokenConfig configures the agent token issuer.
type AgentTokenConfig struct {
	SigningSecret []byte
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// AgentTokens issues and validates long-lived agent bearer tokens.
type AgentTokens struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// NewAgentTokens constructs an AgentTokens with sane defaults.
func NewAgentTokens(cfg AgentTokenConfig) *AgentTokens {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &AgentTokens{
		secret: cfg.SigningSecret,
		ttl:    ttl,
		clock:  clock,
	}
}

// Issue produces a signed token for the given agent email and its expiry in
// seconds from now.
func (a *AgentTokens) Issue(email string) (string, int64, error) {
	if len(a.secret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if email == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := a.clock().UTC()
	expiresAt := now.Add(a.ttl).UTC()

	registered := jwt.RegisteredClaims{
		Subject:   email,
		Issuer:    tokenIssuer,
		Audience:  []string{tokenAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Validate ensures the token is well formed and returns the agent email.
func (a *AgentTokens) Validate(tokenString string) (string, error) {
	if len(a.secret) == 0 {
		return "", errMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return a.secret, nil
		},
		jwt.WithAudience(tokenAudience),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(a.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubjectClaim
	}
	return claims.Subject, nil
}
