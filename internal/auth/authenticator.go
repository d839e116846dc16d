// Package auth resolves the bearer credential carried on a connection
// handshake to a user identity.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"roomcast/pkg/interfaces"
	"roomcast/pkg/types"
)

// ErrMalformedIdentity is returned when a resolver yields an unusable user id
var ErrMalformedIdentity = errors.New("resolved identity has no valid user id")

// Authenticator runs one credential check per connection
type Authenticator struct {
	resolver interfaces.IdentityResolver
	timeout  time.Duration
}

// NewAuthenticator wraps resolver with a per-lookup timeout
func NewAuthenticator(resolver interfaces.IdentityResolver, timeout time.Duration) *Authenticator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Authenticator{resolver: resolver, timeout: timeout}
}

// Authenticate validates token and returns the identity it names.
//
// Errors are always one of:
//   - *types.AuthenticationError (missing or invalid credential)
//   - *types.BackendUnavailableError (lookup timed out or the identity service failed)
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*types.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &types.AuthenticationError{Missing: true}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	identity, err := a.resolver.Resolve(ctx, token)
	if err != nil {
		var backendErr *types.BackendUnavailableError
		switch {
		case errors.As(err, &backendErr):
			return nil, backendErr
		case errors.Is(err, types.ErrBackendUnavailable),
			errors.Is(err, context.DeadlineExceeded):
			return nil, &types.BackendUnavailableError{Backend: "identity service", Err: err}
		default:
			return nil, &types.AuthenticationError{Err: err}
		}
	}

	if identity == nil || !types.IsValidUserID(identity.UserID) {
		return nil, &types.AuthenticationError{Err: ErrMalformedIdentity}
	}
	if identity.DisplayName == "" {
		identity.DisplayName = identity.UserID
	}
	return identity, nil
}

// CloseCode maps an authentication failure to a WebSocket close code.
// Missing and invalid credentials share a code so probing clients cannot tell them apart.
func CloseCode(err error) int {
	if errors.Is(err, types.ErrBackendUnavailable) {
		return websocket.CloseInternalServerErr
	}
	return websocket.ClosePolicyViolation
}

// CloseReason is the close-frame text for an authentication failure
func CloseReason(err error) string {
	if errors.Is(err, types.ErrBackendUnavailable) {
		return "identity service unavailable"
	}
	return "authentication failed"
}

// FailureReason labels err for metrics and logs: missing, invalid or backend
func FailureReason(err error) string {
	switch {
	case errors.Is(err, types.ErrMissingCredential):
		return "missing"
	case errors.Is(err, types.ErrBackendUnavailable):
		return "backend"
	default:
		return "invalid"
	}
}
