package services

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AdmissionTier is the fixed tier value denoting "passed the waiting room".
const AdmissionTier = 1

// AdmissionClaims is the admission token payload. Subject carries the event
// id; Identity carries the best-effort user identity.
type AdmissionClaims struct {
	Identity string `json:"identity"`
	Tier     int    `json:"tier"`
	jwt.RegisteredClaims
}

// TokenService mints and verifies compact signed admission tokens. Validity
// is proven by signature and expiry alone; nothing is persisted, which is
// what lets the edge filter verify without a ledger dependency.
type TokenService struct {
	secret []byte
	ttl    time.Duration

	// now is swappable for expiry tests.
	now func() time.Time
}

func NewTokenService(secret string, ttl time.Duration) *TokenService {
	return &TokenService{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Mint issues a short-lived token proving the identity was admitted for the
// event before the expiry time.
func (s *TokenService) Mint(eventID, userID string) (string, error) {
	return s.mintWithTier(eventID, userID, AdmissionTier)
}

func (s *TokenService) mintWithTier(eventID, userID string, tier int) (string, error) {
	issuedAt := s.now()

	claims := &AdmissionClaims{
		Identity: userID,
		Tier:     tier,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   eventID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(s.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("mint admission token for event %s: %w", eventID, err)
	}

	return token, nil
}

// Verify checks structure, signature and expiry, then the tier. The
// signature comparison inside the HMAC signing method is constant-time, so
// verification leaks nothing about the expected bytes. Pure computation
// over the token and the shared secret; no external state.
func (s *TokenService) Verify(tokenStr string) (*AdmissionClaims, error) {
	claims := &AdmissionClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Tier != AdmissionTier {
		return nil, fmt.Errorf("%w: tier %d", ErrInvalidToken, claims.Tier)
	}

	return claims, nil
}
