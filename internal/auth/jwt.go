package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrMissingToken = errors.New("authorization token required")
)

// Operator tokens are HS256 JWTs issued by `settlementd token` and accepted
// only by the settlement API.
const (
	OperatorIssuer   = "settlementd"
	OperatorAudience = "settlement.v1.SettlementService"
)

// JWTManager issues and checks operator tokens. Every node of one operator
// shares the secret; peers never see these tokens.
type JWTManager struct {
	secret []byte
	ttl    time.Duration
	parser *jwt.Parser
}

var _ Authenticator = (*JWTManager)(nil)

// Claims is the payload of an operator token. Operator mirrors the subject.
type Claims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// NewJWTManager creates a manager for operator tokens signed with secret and
// valid for ttl after issue.
func NewJWTManager(secret string, ttl time.Duration) *JWTManager {
	return &JWTManager{
		secret: []byte(secret),
		ttl:    ttl,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(OperatorIssuer),
			jwt.WithAudience(OperatorAudience),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
	}
}

// Generate issues a token naming operator.
func (m *JWTManager) Generate(operator string) (string, error) {
	if operator == "" {
		return "", errors.New("operator name is required")
	}
	now := time.Now()
	claims := &Claims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    OperatorIssuer,
			Subject:   operator,
			Audience:  jwt.ClaimStrings{OperatorAudience},
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign operator token: %w", err)
	}
	return signed, nil
}

// Validate checks signature, issuer, audience and lifetime, and that the
// operator claim agrees with the subject.
func (m *JWTManager) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := m.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Operator == "" || claims.Operator != claims.Subject {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate returns the operator named by a valid token.
func (m *JWTManager) Authenticate(_ context.Context, tokenString string) (string, error) {
	claims, err := m.Validate(tokenString)
	if err != nil {
		return "", err
	}
	return claims.Operator, nil
}
