package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/inkroad/pushgate/internal/metrics"
)

// eventsChannel carries published events between gateway instances.
const eventsChannel = "pushgate:events"

// Broadcaster is the slice of the hub the relay needs to replay remote
// events locally.
type Broadcaster interface {
	BroadcastAll(event string, payload any)
	BroadcastToUser(event string, payload any, userID string)
}

// Message is the relay wire format. Instance carries the publisher's id so
// an instance can skip messages it originated itself.
type Message struct {
	Instance string          `json:"instance"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	UserID   string          `json:"user_id,omitempty"`
}

// Relay fans published events out to other gateway instances over Redis
// pub/sub. Publishes go through a circuit breaker so a slow or dead Redis
// degrades to local-only delivery instead of stalling publishers.
type Relay struct {
	rdb        *goredis.Client
	hub        Broadcaster
	instanceID string
	cb         circuitbreaker.CircuitBreaker[any]
}

// New creates a relay bound to the given hub.
func New(rdb *goredis.Client, hub Broadcaster) *Relay {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Relay circuit breaker state changed",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			metrics.RelayCircuitState.Set(stateToFloat(e.NewState))
		}).
		Build()

	return &Relay{
		rdb:        rdb,
		hub:        hub,
		instanceID: uuid.NewString(),
		cb:         cb,
	}
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// Publish sends an event to the other instances. An empty userID means
// broadcast-to-all. Local delivery is the caller's job; the relay only
// handles the cross-instance leg.
func (r *Relay) Publish(ctx context.Context, event string, payload any, userID string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal relay payload: %w", err)
	}

	body, err := json.Marshal(Message{
		Instance: r.instanceID,
		Event:    event,
		Payload:  data,
		UserID:   userID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal relay message: %w", err)
	}

	if !r.cb.TryAcquirePermit() {
		return fmt.Errorf("relay circuit open: %w", circuitbreaker.ErrOpen)
	}
	if err := r.rdb.Publish(ctx, eventsChannel, body).Err(); err != nil {
		r.cb.RecordError(err)
		return fmt.Errorf("failed to publish relay message: %w", err)
	}
	r.cb.RecordSuccess()

	metrics.RelayMessagesTotal.WithLabelValues("published").Inc()
	return nil
}

// Start listens for events published by other instances and replays them
// through the local hub. Blocks until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) {
	pubsub := r.rdb.Subscribe(ctx, eventsChannel)
	defer func() {
		_ = pubsub.Close()
	}()

	ch := pubsub.Channel()
	for {
		select {
		case msg := <-ch:
			if msg == nil {
				return
			}
			r.handleMessage(msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

// handleMessage replays one relayed event locally, skipping self-originated
// messages.
func (r *Relay) handleMessage(raw string) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		slog.Warn("Invalid relay message", "error", err)
		return
	}

	if msg.Instance == r.instanceID {
		metrics.RelayMessagesTotal.WithLabelValues("skipped").Inc()
		return
	}

	metrics.RelayMessagesTotal.WithLabelValues("received").Inc()

	if msg.UserID != "" {
		r.hub.BroadcastToUser(msg.Event, msg.Payload, msg.UserID)
	} else {
		r.hub.BroadcastAll(msg.Event, msg.Payload)
	}
	slog.Debug("Relayed event delivered locally", "event", msg.Event, "user_id", msg.UserID)
}
