package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultPeerTokenTTL bounds how long a peer session token is accepted.
const DefaultPeerTokenTTL = time.Minute

// PeerIssuer mints short-lived EdDSA tokens that prove to a peer which
// party is calling. Tokens are signed with the party's settlement key.
type PeerIssuer struct {
	name string
	key  ed25519.PrivateKey
	ttl  time.Duration
}

// NewPeerIssuer creates an issuer for the named party.
func NewPeerIssuer(name string, key ed25519.PrivateKey, ttl time.Duration) *PeerIssuer {
	if ttl <= 0 {
		ttl = DefaultPeerTokenTTL
	}
	return &PeerIssuer{name: name, key: key, ttl: ttl}
}

// Mint returns a token addressed to audience.
func (p *PeerIssuer) Mint(audience string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    p.name,
		Subject:   p.name,
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(p.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign peer token: %w", err)
	}
	return token, nil
}

// KeyLookup returns the public key registered for a party name.
type KeyLookup func(ctx context.Context, name string) (ed25519.PublicKey, error)

// PeerVerifier authenticates tokens minted by a PeerIssuer against the keys
// on the network map.
type PeerVerifier struct {
	audience string
	lookup   KeyLookup
}

var _ Authenticator = (*PeerVerifier)(nil)

// NewPeerVerifier creates a verifier that accepts tokens addressed to audience.
func NewPeerVerifier(audience string, lookup KeyLookup) *PeerVerifier {
	return &PeerVerifier{audience: audience, lookup: lookup}
}

// Authenticate implements Authenticator. It returns the calling party's name.
func (v *PeerVerifier) Authenticate(ctx context.Context, tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (interface{}, error) {
			if claims.Subject == "" {
				return nil, errors.New("token has no subject")
			}
			key, err := v.lookup(ctx, claims.Subject)
			if err != nil {
				return nil, err
			}
			return key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
