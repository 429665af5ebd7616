// Package auth verifies the bearer tokens on the HTTP surface. Tokens are
// HS256 JWTs minted by the identity service; this side only validates.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/cache"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token revoked")
)

const revokedPrefix = "revoked:"

// Claims is the token payload this service cares about.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Verifier validates user JWTs against the current signing key, falling back
// to the previous key during rotation. Revoked token IDs are tracked in the
// fast cache; a cache outage fails open so logins survive a redis restart.
type Verifier struct {
	primary       []byte
	previous      []byte
	primaryKID    string
	previousKID   string
	internalToken string
	cache         *cache.Cache
	logger        *zap.Logger
}

func NewVerifier(primaryKey, previousKey, internalToken string, c *cache.Cache, logger *zap.Logger) *Verifier {
	return &Verifier{
		primary:       []byte(primaryKey),
		previous:      []byte(previousKey),
		primaryKID:    KeyID(primaryKey),
		previousKID:   KeyID(previousKey),
		internalToken: internalToken,
		cache:         c,
		logger:        logger,
	}
}

// KeyID derives the key identifier carried in the token's kid header: the
// first 8 bytes of the secret's SHA-256, hex-encoded. The identity service
// derives it the same way.
func KeyID(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:8])
}

// Verify parses and validates a bearer token, returning its claims.
func (v *Verifier) Verify(ctx context.Context, token string) (*Claims, error) {
	claims, err := v.parse(token, v.primary, v.primaryKID)
	if err != nil && len(v.previous) > 0 {
		// Key rotation window: tokens signed before the rotation still
		// verify against the previous key.
		if claims2, err2 := v.parse(token, v.previous, v.previousKID); err2 == nil {
			claims, err = claims2, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing userId claim", ErrInvalidToken)
	}
	if v.revoked(ctx, claims.ID) {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

func (v *Verifier) parse(token string, key []byte, kid string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			// A kid header, when present, must name this key; a token
			// minted under a different key never verifies by luck.
			if tokenKID, ok := t.Header["kid"].(string); ok && tokenKID != "" && tokenKID != kid {
				return nil, fmt.Errorf("unknown kid %q", tokenKID)
			}
			return key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Revoke blocks a token ID until its natural expiry.
func (v *Verifier) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	if v.cache == nil || tokenID == "" {
		return nil
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return v.cache.Set(ctx, revokedPrefix+tokenID, "1", ttl)
}

func (v *Verifier) revoked(ctx context.Context, tokenID string) bool {
	if v.cache == nil || tokenID == "" {
		return false
	}
	exists, err := v.cache.Exists(ctx, revokedPrefix+tokenID)
	if err != nil {
		v.logger.Debug("revocation check failed", zap.Error(err))
		return false
	}
	return exists
}

// VerifyInternal checks the shared secret used by sibling services on the
// /api/internal surface.
func (v *Verifier) VerifyInternal(token string) bool {
	if v.internalToken == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(v.internalToken), []byte(token)) == 1
}
