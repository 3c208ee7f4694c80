package license

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// EventType identifies a push notification from the license authority.
type EventType string

const (
	EventDisabled        EventType = "disabled"
	EventReactivated     EventType = "reactivated"
	EventPlanChanged     EventType = "planChanged"
	EventCancelScheduled EventType = "cancelScheduled"
)

// Event is a push notification carried over the subscription channel.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Subscription abstracts the push channel so the synchronizer is decoupled
// from any specific transport. The channel closes when the subscription is
// closed; transient disconnects are the implementation's concern.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

const eventValidateTimeout = 30 * time.Second

// Synchronizer consumes push notifications and forces an immediate full
// validation on any recognized event. It never alters license validity on
// its own; only the validation result (and the heartbeat/grace path) does.
type Synchronizer struct {
	sub      Subscription
	validate func(ctx context.Context) error
	logger   zerolog.Logger

	mu     sync.Mutex
	doneCh chan struct{}
}

// NewSynchronizer wires a subscription to a forced-validation callback.
func NewSynchronizer(sub Subscription, validate func(ctx context.Context) error) *Synchronizer {
	return &Synchronizer{
		sub:      sub,
		validate: validate,
		logger:   log.With().Str("component", "event-synchronizer").Logger(),
	}
}

// Start begins consuming events until the subscription channel closes.
func (y *Synchronizer) Start() {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.doneCh != nil {
		return
	}
	y.doneCh = make(chan struct{})
	go y.run(y.doneCh)
}

// Stop closes the subscription and waits for the consumer to drain.
func (y *Synchronizer) Stop() {
	y.mu.Lock()
	doneCh := y.doneCh
	y.doneCh = nil
	y.mu.Unlock()
	if doneCh == nil {
		return
	}
	if err := y.sub.Close(); err != nil {
		y.logger.Debug().Err(err).Msg("subscription close failed")
	}
	<-doneCh
}

func (y *Synchronizer) run(doneCh chan struct{}) {
	defer close(doneCh)

	for event := range y.sub.Events() {
		switch event.Type {
		case EventDisabled, EventReactivated, EventPlanChanged, EventCancelScheduled:
			y.logger.Info().Str("event", string(event.Type)).Msg("License event received, revalidating")
			metricEvents.WithLabelValues(string(event.Type)).Inc()

			ctx, cancel := context.WithTimeout(context.Background(), eventValidateTimeout)
			if err := y.validate(ctx); err != nil {
				// Transient failures stay on the grace-period path; the
				// authoritative outcome was already applied by validate.
				y.logger.Warn().Err(err).Str("event", string(event.Type)).Msg("Forced validation failed")
			}
			cancel()
		default:
			y.logger.Debug().Str("event", string(event.Type)).Msg("Ignoring unrecognized license event")
		}
	}
}
