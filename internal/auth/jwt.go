package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"roomcast/pkg/types"
)

// Claims carried by connection tokens. The subject is the user id.
type Claims struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver validates HS256 tokens locally; it never reports BackendUnavailable
type JWTResolver struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewJWTResolver creates a resolver for tokens signed with secret.
// When issuer is non-empty the iss claim must match it.
func NewJWTResolver(secret, issuer string) (*JWTResolver, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return &JWTResolver{
		secret: []byte(secret),
		issuer: issuer,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Resolve implements interfaces.IdentityResolver
func (r *JWTResolver) Resolve(_ context.Context, token string) (*types.Identity, error) {
	claims := &Claims{}
	_, err := r.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return r.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrInvalidCredential, err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", types.ErrInvalidCredential)
	}

	return &types.Identity{
		UserID:      claims.Subject,
		DisplayName: claims.Name,
		Role:        claims.Role,
	}, nil
}

// GenerateToken signs a token for identity valid for ttl. Roomcast only
// verifies tokens; this is for services that share the secret and issue
// them, such as a login endpoint or an operator minting a test token.
func (r *JWTResolver) GenerateToken(identity types.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Name: identity.DisplayName,
		Role: identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    r.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
