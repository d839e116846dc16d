package interfaces

import (
	"context"

	"roomcast/pkg/types"
)

// IdentityResolver turns a bearer credential into a user identity
// ARCHITECTURAL DISCOVERY: the authenticator only classifies failures; token
// formats and identity backends live behind this boundary
type IdentityResolver interface {
	// Resolve returns the identity for token.
	// Failures must wrap types.ErrInvalidCredential or types.ErrBackendUnavailable.
	Resolve(ctx context.Context, token string) (*types.Identity, error)
}
