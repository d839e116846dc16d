package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"roomcast/internal/logging"
	"roomcast/pkg/types"
)

const identityBackend = "identity service"

// HTTPResolver asks an external identity service who owns a token:
// GET <url> with "Authorization: Bearer <token>", expecting a types.Identity body.
//
// A circuit breaker trips after consecutive backend failures so a dead identity
// service fails handshakes fast with BackendUnavailable. Rejected tokens do not
// count as backend failures.
type HTTPResolver struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*types.Identity]
}

// HTTPResolverConfig configures NewHTTPResolver
type HTTPResolverConfig struct {
	URL             string
	Client          *http.Client
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// NewHTTPResolver creates a breaker-guarded resolver
func NewHTTPResolver(cfg HTTPResolverConfig) *HTTPResolver {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 5 * time.Second}
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}

	settings := gobreaker.Settings{
		Name:        identityBackend,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, types.ErrInvalidCredential)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Identity service circuit breaker changed state")
		},
	}

	return &HTTPResolver{
		url:     cfg.URL,
		client:  cfg.Client,
		breaker: gobreaker.NewCircuitBreaker[*types.Identity](settings),
	}
}

// Resolve implements interfaces.IdentityResolver
func (r *HTTPResolver) Resolve(ctx context.Context, token string) (*types.Identity, error) {
	identity, err := r.breaker.Execute(func() (*types.Identity, error) {
		return r.lookup(ctx, token)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &types.BackendUnavailableError{Backend: identityBackend, Err: err}
	}
	return identity, err
}

// State exposes the breaker state for health reporting
func (r *HTTPResolver) State() gobreaker.State {
	return r.breaker.State()
}

func (r *HTTPResolver) lookup(ctx context.Context, token string) (*types.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, &types.BackendUnavailableError{Backend: identityBackend, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &types.BackendUnavailableError{Backend: identityBackend, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: identity service returned %d", types.ErrInvalidCredential, resp.StatusCode)
	default:
		return nil, &types.BackendUnavailableError{
			Backend: identityBackend,
			Err:     fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	var identity types.Identity
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&identity); err != nil {
		return nil, &types.BackendUnavailableError{Backend: identityBackend, Err: fmt.Errorf("decode identity: %w", err)}
	}
	return &identity, nil
}
