package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"roomcast/internal/logging"
)

// HTTPServer is the subset of *http.Server the service drives
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// Drainer closes long-lived connections that http.Server.Shutdown does not
// track, such as hijacked WebSockets
type Drainer interface {
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server as a supervised service
type HTTPService struct {
	server          HTTPServer
	drainers        []Drainer
	shutdownTimeout time.Duration
	name            string
}

// NewHTTPService wraps server. drainers are shut down before the server on stop.
func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration, drainers ...Drainer) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{
		server:          server,
		drainers:        drainers,
		shutdownTimeout: shutdownTimeout,
		name:            "http-server",
	}
}

// Serve runs ListenAndServe until ctx is cancelled, then shuts down gracefully
func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()

		for _, d := range h.drainers {
			if err := d.Shutdown(shutdownCtx); err != nil {
				logging.Warn().Err(err).Msg("Connections did not drain before timeout")
			}
		}
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}

		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string {
	return h.name
}
