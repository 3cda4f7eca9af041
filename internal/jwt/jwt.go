// Package jwt issues and verifies management tokens. A token is only valid
// while its id (jti) is present in the nonce store, so logout revokes it.
package jwt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"race-sync/internal/nonce"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

var (
	ErrTokenExpired     = errors.New("token has expired")
	ErrInvalidToken     = errors.New("invalid token")
	ErrInvalidClaimType = errors.New("invalid claim type")
)

var tokenSignatureAlg = gojwt.SigningMethodHS256

const ScopeManage = "manage"

// Claim for management tokens
type ManagementClaim struct {
	Scope string `json:"scope"`
	gojwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	// Extra lifetime given to the nonce so clock skew cannot revoke a
	// token that is still within its exp.
	skew   time.Duration
	nonces nonce.Store
	clock  clockwork.Clock
}

func NewIssuer(secret string, ttl, skew time.Duration, nonces nonce.Store, clock clockwork.Clock) *Issuer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Issuer{
		secret: []byte(secret),
		ttl:    ttl,
		skew:   skew,
		nonces: nonces,
		clock:  clock,
	}
}

// Issue signs a new management token and registers its id.
func (i *Issuer) Issue(ctx context.Context) (string, time.Time, error) {
	if i.ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("invalid token TTL %s", i.ttl)
	}

	jti, err := nonce.Generate()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	if err := i.nonces.Put(ctx, jti, i.ttl+i.skew); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to store nonce: %w", err)
	}

	now := i.clock.Now().UTC()
	expiresAt := now.Add(i.ttl)
	claims := ManagementClaim{
		Scope: ScopeManage,
		RegisteredClaims: gojwt.RegisteredClaims{
			ID:        jti,
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(expiresAt),
		},
	}

	token, err := gojwt.NewWithClaims(tokenSignatureAlg, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Verify checks signature, expiry and that the token has not been revoked.
func (i *Issuer) Verify(ctx context.Context, tokenString string) (*ManagementClaim, error) {
	claims, err := decodeJWT(tokenString, &ManagementClaim{}, i.secret, i.clock)
	if errors.Is(err, gojwt.ErrTokenExpired) {
		return nil, ErrTokenExpired
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Scope != ScopeManage || claims.ID == "" {
		return nil, ErrInvalidToken
	}
	if !i.nonces.Exists(ctx, claims.ID) {
		return nil, fmt.Errorf("%w: token revoked", ErrInvalidToken)
	}
	return claims, nil
}

// Revoke consumes the token id so the token stops verifying.
func (i *Issuer) Revoke(ctx context.Context, claims *ManagementClaim) error {
	if _, err := i.nonces.Consume(ctx, claims.ID); err != nil {
		var missing *nonce.NonceMissingError
		if errors.As(err, &missing) {
			return nil
		}
		return err
	}
	return nil
}

func decodeJWT[T gojwt.Claims](tokenString string, claimsType T, secret []byte, clock clockwork.Clock) (T, error) {
	var zero T

	parsedToken, err := gojwt.ParseWithClaims(tokenString, claimsType, func(token *gojwt.Token) (interface{}, error) {
		return secret, nil
	},
		gojwt.WithValidMethods([]string{tokenSignatureAlg.Alg()}),
		gojwt.WithTimeFunc(clock.Now),
		gojwt.WithExpirationRequired(),
	)

	if err != nil {
		return zero, err
	} else if parsedToken == nil || !parsedToken.Valid {
		return zero, ErrInvalidToken
	} else if claims, ok := parsedToken.Claims.(T); ok {
		return claims, nil
	}

	return zero, ErrInvalidClaimType
}
