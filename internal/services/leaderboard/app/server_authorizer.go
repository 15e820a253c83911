package server

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/standings.live/internal/platform/errors"
)

// identity is the authenticated caller resolved from a bearer credential.
type identity struct {
	ParticipantID string
	DisplayName   string
}

// tokenVerifier resolves a bearer credential into a participant identity.
type tokenVerifier interface {
	Verify(ctx context.Context, token string) (identity, error)
}

// grantVerifier validates EdDSA-signed participation grants issued by an
// external identity service. The leaderboard never issues tokens.
type grantVerifier struct {
	issuer   string
	audience string
	key      ed25519.PublicKey
	now      func() time.Time
}

type grantClaims struct {
	jwt.RegisteredClaims
	DisplayName string `json:"display_name"`
}

// newGrantVerifier builds a verifier from base64-encoded key material. All
// three settings empty means auth is intentionally disabled and a nil
// verifier is returned; a partial configuration is an error.
func newGrantVerifier(issuer, audience, publicKey string, now func() time.Time) (*grantVerifier, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	publicKey = strings.TrimSpace(publicKey)

	if issuer == "" && audience == "" && publicKey == "" {
		return nil, nil
	}
	if issuer == "" {
		return nil, errors.New("token issuer is required")
	}
	if audience == "" {
		return nil, errors.New("token audience is required")
	}
	if publicKey == "" {
		return nil, errors.New("token public key is required")
	}

	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return nil, fmt.Errorf("decode token public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("token public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}

	return &grantVerifier{
		issuer:   issuer,
		audience: audience,
		key:      ed25519.PublicKey(keyBytes),
		now:      now,
	}, nil
}

// Verify validates the grant signature and claims and returns the caller's
// identity. The subject claim carries the participant id.
func (v *grantVerifier) Verify(_ context.Context, token string) (identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return identity{}, apperrors.New(apperrors.CodeUnauthenticated, "bearer token is required")
	}
	if v == nil || len(v.key) != ed25519.PublicKeySize {
		return identity{}, errors.New("token verifier is not configured")
	}
	now := v.now().UTC()

	var parsed grantClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(token *jwt.Token) (any, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return identity{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != v.issuer {
		return identity{}, apperrors.WithMetadata(apperrors.CodeUnauthenticated,
			"token issuer mismatch", map[string]string{"Field": "issuer"})
	}
	if !audienceContains(parsed.Audience, v.audience) {
		return identity{}, apperrors.WithMetadata(apperrors.CodeUnauthenticated,
			"token audience mismatch", map[string]string{"Field": "audience"})
	}
	if parsed.ExpiresAt == nil {
		return identity{}, apperrors.New(apperrors.CodeUnauthenticated, "token exp is required")
	}
	if !parsed.ExpiresAt.Time.UTC().After(now) {
		return identity{}, apperrors.New(apperrors.CodeUnauthenticated, "token is expired")
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return identity{}, apperrors.New(apperrors.CodeUnauthenticated, "token not active yet")
	}

	participantID := strings.TrimSpace(parsed.Subject)
	if participantID == "" {
		return identity{}, apperrors.New(apperrors.CodeUnauthenticated, "token subject is required")
	}

	return identity{
		ParticipantID: participantID,
		DisplayName:   strings.TrimSpace(parsed.DisplayName),
	}, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeUnauthenticated, "token signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeUnauthenticated, "token alg is invalid")
	}
	return apperrors.New(apperrors.CodeUnauthenticated, "token is invalid")
}

// audienceContains reports whether the audience list contains the given value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
