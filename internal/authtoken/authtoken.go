// Package authtoken issues and verifies the service-to-service JWT bearer
// tokens that authorize a track client against the ingest boundary and
// control API. Claim extraction follows the defensive, type-switched style
// of cc-backend's internal/auth/jwtHelpers.go (extractStringFromClaims,
// extractRolesFromClaims), adapted from cc-backend's user/role/project
// claims to this domain's "tracks" claim.
package authtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the decoded form of a track-client bearer token.
type Claims struct {
	Subject string
	Tracks  []string
}

// Issuer signs and verifies tokens with a single shared signing key,
// mirroring cc-backend's single-key JWT setup (no per-tenant key rotation).
type Issuer struct {
	signingKey []byte
}

// NewIssuer constructs an Issuer from the raw signing key bytes.
func NewIssuer(signingKey string) (*Issuer, error) {
	if signingKey == "" {
		return nil, errors.New("authtoken: signing key must not be empty")
	}
	return &Issuer{signingKey: []byte(signingKey)}, nil
}

// Issue mints a token for subject authorized against tracks, valid for ttl.
func (iss *Issuer) Issue(subject string, tracks []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":    subject,
		"tracks": tracks,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(iss.signingKey)
}

// Verify parses and validates a bearer token, returning its claims.
func (iss *Issuer) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authtoken: unexpected signing method %v", t.Header["alg"])
		}
		return iss.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("authtoken: parse: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("authtoken: invalid token")
	}

	sub := extractStringFromClaims(claims, "sub")
	if sub == "" {
		return nil, errors.New("authtoken: missing 'sub' claim")
	}

	return &Claims{Subject: sub, Tracks: extractTracksFromClaims(claims)}, nil
}

// AuthorizedForTrack reports whether the caller's token authorizes trackID.
func (c *Claims) AuthorizedForTrack(trackID string) bool {
	for _, t := range c.Tracks {
		if t == trackID {
			return true
		}
	}
	return false
}

func extractStringFromClaims(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}

func extractTracksFromClaims(claims jwt.MapClaims) []string {
	var tracks []string
	if raw, ok := claims["tracks"].([]any); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				tracks = append(tracks, s)
			}
		}
	}
	return tracks
}
