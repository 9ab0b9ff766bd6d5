// Package auth handles JWT validation and the bounded refresh flow. Token
// issuance for first sign-in lives in the identity service; this package only
// validates bearer credentials and re-signs recently expired ones.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when the token is malformed or invalid
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidSignature is returned when the token signature is invalid
	ErrInvalidSignature = errors.New("invalid token signature")
	// ErrMissingClaims is returned when required claims are missing
	ErrMissingClaims = errors.New("missing required claims")
	// ErrRefreshWindowPassed is returned when a token expired too long ago to refresh
	ErrRefreshWindowPassed = errors.New("token expired beyond the refresh window")
)

// Claims represents the JWT claims extracted from a token
type Claims struct {
	UserID string
	Name   string
	Roles  []string
}

// JWTValidator handles JWT token validation
type JWTValidator struct {
	secret []byte
}

// NewJWTValidator creates a new JWT validator with the given secret
func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{
		secret: []byte(secret),
	}
}

// ValidateToken validates a JWT token and extracts the claims.
// It verifies the signature, expiry, and required claims (user_id, roles).
func (v *JWTValidator) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method: %v", ErrInvalidSignature, token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		if errors.Is(err, jwt.ErrSignatureInvalid) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("%w: token is not valid", ErrInvalidToken)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unable to parse claims", ErrInvalidToken)
	}

	return claimsFromMap(mapClaims)
}

// claimsFromMap extracts and validates the application claims.
func claimsFromMap(mapClaims jwt.MapClaims) (*Claims, error) {
	userID, ok := mapClaims["user_id"].(string)
	if !ok || userID == "" {
		return nil, fmt.Errorf("%w: user_id claim missing or invalid", ErrMissingClaims)
	}

	// Name is optional; default to user_id
	name, _ := mapClaims["name"].(string)
	if name == "" {
		name = userID
	}

	rolesInterface, ok := mapClaims["roles"]
	if !ok {
		return nil, fmt.Errorf("%w: roles claim missing", ErrMissingClaims)
	}

	roles, err := extractRoles(rolesInterface)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingClaims, err)
	}

	return &Claims{
		UserID: userID,
		Name:   name,
		Roles:  roles,
	}, nil
}

// extractRoles converts the roles claim to a string slice
func extractRoles(rolesInterface interface{}) ([]string, error) {
	if rolesSlice, ok := rolesInterface.([]interface{}); ok {
		roles := make([]string, len(rolesSlice))
		for i, role := range rolesSlice {
			roleStr, ok := role.(string)
			if !ok {
				return nil, fmt.Errorf("roles array contains non-string value at index %d", i)
			}
			roles[i] = roleStr
		}
		return roles, nil
	}

	if rolesSlice, ok := rolesInterface.([]string); ok {
		return rolesSlice, nil
	}

	return nil, fmt.Errorf("roles claim must be an array of strings")
}

// TokenIssuer signs fresh tokens for the refresh endpoint. A token may be
// refreshed while valid or within refreshGrace after expiry; anything older
// forces a full re-authentication.
type TokenIssuer struct {
	secret       []byte
	tokenTTL     time.Duration
	refreshGrace time.Duration
}

// NewTokenIssuer creates a token issuer with the given lifetime and grace window.
func NewTokenIssuer(secret string, tokenTTL, refreshGrace time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret:       []byte(secret),
		tokenTTL:     tokenTTL,
		refreshGrace: refreshGrace,
	}
}

// Refresh validates the presented token, tolerating expiry within the grace
// window, and returns a newly signed token carrying the same claims.
func (i *TokenIssuer) Refresh(tokenString string) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	// Parse with expiry validation disabled; expiry is checked manually
	// against the grace window below. Signature validation still applies.
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, err := parser.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method: %v", ErrInvalidSignature, token.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrSignatureInvalid) {
			return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: unable to parse claims", ErrInvalidToken)
	}

	exp, err := mapClaims.GetExpirationTime()
	if err != nil || exp == nil {
		return "", fmt.Errorf("%w: exp claim missing", ErrMissingClaims)
	}
	if time.Since(exp.Time) > i.refreshGrace {
		return "", fmt.Errorf("%w: expired at %s", ErrRefreshWindowPassed, exp.Time.Format(time.RFC3339))
	}

	claims, err := claimsFromMap(mapClaims)
	if err != nil {
		return "", err
	}

	return i.Issue(claims)
}

// Issue signs a token for the given claims with a fresh expiry.
func (i *TokenIssuer) Issue(claims *Claims) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": claims.UserID,
		"name":    claims.Name,
		"roles":   claims.Roles,
		"iat":     now.Unix(),
		"exp":     now.Add(i.tokenTTL).Unix(),
	})

	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
