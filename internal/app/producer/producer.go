package producer

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskpilot/platform/internal/contracts"
	"github.com/taskpilot/platform/internal/platform/metrics"
	"github.com/taskpilot/platform/internal/platform/natsutil"
)

// Producer converts completed state changes into envelopes and hands them to
// the bus. Publishing is fire-and-forget: it runs off the caller's request
// path and a failure never surfaces to the originating request. If the bus is
// down at publish time the event is lost; the gap shows up as missing audit
// rows, not as a user-facing error.
type Producer struct {
	Bus    natsutil.Publisher
	Log    *zap.Logger
	Now    func() time.Time
	NewKey func() string

	// Dispatch runs the publish off the request path. Tests replace it with
	// an inline call.
	Dispatch func(func())
}

func New(bus natsutil.Publisher, log *zap.Logger) *Producer {
	return &Producer{
		Bus:      bus,
		Log:      log,
		Now:      func() time.Time { return time.Now().UTC() },
		NewKey:   uuid.NewString,
		Dispatch: func(fn func()) { go fn() },
	}
}

// Publish builds and emits one event. Call it only after the originating
// write has durably succeeded.
func (p *Producer) Publish(eventType contracts.EventType, entityID, userID string, payload any) {
	if _, ok := contracts.TopicFor(eventType); !ok {
		p.Log.Error("unregistered event type", zap.String("event_type", string(eventType)))
		return
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			p.Log.Error("marshal event payload",
				zap.String("event_type", string(eventType)), zap.Error(err))
			return
		}
		raw = data
	}

	event := contracts.Event{
		EventType:      eventType,
		EntityID:       entityID,
		UserID:         userID,
		Timestamp:      p.Now(),
		IdempotencyKey: p.NewKey(),
		Payload:        raw,
	}
	p.PublishEvent(event)
}

// PublishEvent emits a pre-built envelope. Consumers that re-publish
// (reminder firing, recurrence spawning) use this to keep deterministic
// idempotency keys.
func (p *Producer) PublishEvent(event contracts.Event) {
	topic, ok := contracts.TopicFor(event.EventType)
	if !ok {
		p.Log.Error("unregistered event type", zap.String("event_type", string(event.EventType)))
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.Log.Error("marshal event envelope", zap.Error(err))
		return
	}

	p.Dispatch(func() {
		p.send(topic, event, data)
		// The audit consumer subscribes to the todo and ai topics directly;
		// reminder and recurrence events reach it through the fan-in copy.
		if topic == contracts.TopicReminder || topic == contracts.TopicRecurring {
			p.send(contracts.TopicAudit, event, data)
		}
	})
}

func (p *Producer) send(topic contracts.Topic, event contracts.Event, data []byte) {
	if err := p.Bus.Publish(topic, data); err != nil {
		metrics.PublishFailures.WithLabelValues(string(topic)).Inc()
		p.Log.Error("event publish failed",
			zap.String("topic", string(topic)),
			zap.String("event_type", string(event.EventType)),
			zap.String("entity_id", event.EntityID),
			zap.Error(err))
		return
	}
	metrics.EventsPublished.WithLabelValues(string(topic)).Inc()
	p.Log.Info("event published",
		zap.String("topic", string(topic)),
		zap.String("event_type", string(event.EventType)),
		zap.String("entity_id", event.EntityID))
}
