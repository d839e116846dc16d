// Package notify dispatches offline-message notifications.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"roomcast/internal/logging"
	"roomcast/pkg/interfaces"
	"roomcast/pkg/types"
)

// DefaultSubjectPrefix is the subject root notifications are published under
const DefaultSubjectPrefix = "roomcast.notify"

// ErrNotifierClosed is returned by Notify after Close
var ErrNotifierClosed = errors.New("notifier closed")

// Config configures the NATS notifier
type Config struct {
	URL           string
	SubjectPrefix string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns the notifier defaults for url
func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		SubjectPrefix: DefaultSubjectPrefix,
		Name:          "roomcast",
		MaxReconnects: 10,
		ReconnectWait: time.Second,
	}
}

// NATSNotifier publishes one message per offline member on <prefix>.<userId>
type NATSNotifier struct {
	nc     *nats.Conn
	prefix string
}

var _ interfaces.Notifier = (*NATSNotifier)(nil)

// NewNATSNotifier connects to NATS. The connection retries in the background
// if the server is not reachable yet.
func NewNATSNotifier(cfg Config) (*NATSNotifier, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSNotifier{nc: nc, prefix: cfg.SubjectPrefix}, nil
}

// Subject returns the subject a user's notifications are published on.
// '.' separates subject tokens, so it is escaped inside user ids.
func (n *NATSNotifier) Subject(userID string) string {
	return n.prefix + "." + strings.ReplaceAll(userID, ".", "%2E")
}

// Notify publishes note. Publishing is asynchronous; ctx is only checked up front.
func (n *NATSNotifier) Notify(ctx context.Context, note *types.OfflineNotification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.nc.IsClosed() {
		return ErrNotifierClosed
	}

	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	if err := n.nc.Publish(n.Subject(note.UserID), data); err != nil {
		return &types.BackendUnavailableError{Backend: "nats", Err: err}
	}
	return nil
}

// Connected reports whether the NATS connection is currently up
func (n *NATSNotifier) Connected() bool {
	return n.nc.IsConnected()
}

// Close flushes pending publishes and closes the connection
func (n *NATSNotifier) Close() error {
	if n.nc.IsClosed() {
		return nil
	}
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return err
	}
	return nil
}

// LogNotifier writes notifications to the log when no broker is configured
type LogNotifier struct{}

var _ interfaces.Notifier = LogNotifier{}

func (LogNotifier) Notify(ctx context.Context, note *types.OfflineNotification) error {
	logging.Info().
		Str("user_id", note.UserID).
		Str("room_id", note.RoomID).
		Str("message_id", note.MessageID).
		Str("sender_id", note.SenderID).
		Msg("Offline notification")
	return nil
}

func (LogNotifier) Close() error { return nil }
