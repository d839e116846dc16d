package websocket

import (
	"errors"
	"time"

	"github.com/goccy/go-json"

	"roomcast/internal/logging"
	"roomcast/internal/metrics"
	"roomcast/pkg/types"
)

// Relay fans one payload out to every member of a room
type Relay struct {
	registry *Registry
}

// NewRelay creates a relay over registry
func NewRelay(registry *Registry) *Relay {
	return &Relay{registry: registry}
}

// Broadcast serializes payload once and delivers it to roomID's members,
// skipping exclude when non-nil. Returns the number of members the payload was queued for.
func (r *Relay) Broadcast(roomID string, payload interface{}, exclude *Connection) (int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, ErrInvalidJSON
	}
	return r.BroadcastRaw(roomID, data, exclude), nil
}

// BroadcastRaw delivers pre-serialized data to a snapshot of roomID's members.
//
// FUNCTIONAL DISCOVERY: a failed delivery to one member never aborts the
// fan-out. A member whose send buffer is full is a slow consumer and is
// disconnected; its session teardown then removes it from every room.
func (r *Relay) BroadcastRaw(roomID string, data []byte, exclude *Connection) int {
	start := time.Now()
	endpoint := r.registry.Name()
	defer func() {
		metrics.BroadcastDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	delivered := 0
	for _, member := range r.registry.MembersOf(roomID) {
		if member == exclude {
			continue
		}
		if err := member.Send(data); err != nil {
			derr := &types.DeliveryError{ConnID: member.ID(), Err: err}
			metrics.DeliveriesTotal.WithLabelValues(endpoint, metrics.OutcomeFailed).Inc()
			logging.Warn().
				Err(derr).
				Str("endpoint", endpoint).
				Str("room_id", roomID).
				Str("user_id", member.UserID()).
				Msg("Delivery failed, skipping member")

			if errors.Is(err, ErrSendBufferFull) {
				_ = member.Close()
			}
			continue
		}
		delivered++
		metrics.DeliveriesTotal.WithLabelValues(endpoint, metrics.OutcomeOK).Inc()
	}
	return delivered
}
