package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/taskpilot/platform/internal/contracts"
	"github.com/taskpilot/platform/internal/messaging"
	"github.com/taskpilot/platform/internal/platform/metrics"
	"github.com/taskpilot/platform/internal/platform/natsutil"
)

// HandlerFunc processes one validated event. Returning an error signals the
// bus to redeliver; wrap with Permanent for failures no retry can fix.
type HandlerFunc func(ctx context.Context, event contracts.Event) error

// Subscription pairs a topic with the route the sidecar delivery path posts
// to and the handler that owns it.
type Subscription struct {
	Topic   contracts.Topic
	Route   string
	Handler HandlerFunc
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks a handler failure as non-retryable; the runtime parks the
// event on the dead letter instead of requesting redelivery.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Outcome is the runtime's verdict on one delivery attempt.
type Outcome int

const (
	// OutcomeAck acknowledges the delivery: handled, duplicate, or parked.
	OutcomeAck Outcome = iota
	// OutcomeRetry returns the delivery to the bus for redelivery.
	OutcomeRetry
	// OutcomeDeadLetter parks the event on <topic>.deadletter and
	// terminates the delivery.
	OutcomeDeadLetter
)

// Runtime is the shared consumer frame: it validates envelopes, consults the
// idempotency guard, invokes the owning handler, and enforces the retry and
// dead-letter contract.
type Runtime struct {
	Name        string
	Guard       Guard
	Bus         natsutil.Publisher
	Log         *zap.Logger
	MaxAttempts int
	HandlerTime time.Duration

	subs []Subscription
}

func NewRuntime(name string, guard Guard, bus natsutil.Publisher, log *zap.Logger, subs []Subscription) *Runtime {
	return &Runtime{
		Name:        name,
		Guard:       guard,
		Bus:         bus,
		Log:         log,
		MaxAttempts: messaging.MaxDeliveryAttempts,
		HandlerTime: 10 * time.Second,
		subs:        subs,
	}
}

func (r *Runtime) Subscriptions() []Subscription {
	return r.subs
}

// Process runs one delivery attempt through the full pipeline. attempt is
// 1-based; the bus's delivery metadata supplies it on the JetStream path and
// the sidecar path always reports 1.
func (r *Runtime) Process(ctx context.Context, sub Subscription, data []byte, attempt int) Outcome {
	event, err := contracts.Decode(data)
	if err != nil {
		// Structural defect: retrying cannot fix it, park immediately.
		r.deadLetter(sub.Topic, data, "malformed")
		return OutcomeDeadLetter
	}

	seen, err := r.Guard.Seen(ctx, event.IdempotencyKey)
	if err != nil {
		// Fail open: processing a duplicate is safe, dropping an event is not.
		r.Log.Warn("idempotency check failed, processing anyway",
			zap.String("key", event.IdempotencyKey), zap.Error(err))
	}
	if seen {
		metrics.EventsDuplicate.WithLabelValues(r.Name, string(sub.Topic)).Inc()
		return OutcomeAck
	}

	handlerCtx, cancel := context.WithTimeout(ctx, r.HandlerTime)
	defer cancel()
	if err := sub.Handler(handlerCtx, event); err != nil {
		if IsPermanent(err) {
			r.Log.Error("handler failed permanently",
				zap.String("topic", string(sub.Topic)),
				zap.String("event_type", string(event.EventType)),
				zap.String("key", event.IdempotencyKey),
				zap.Error(err))
			r.deadLetter(sub.Topic, data, "permanent")
			return OutcomeDeadLetter
		}
		if attempt >= r.MaxAttempts {
			r.Log.Error("retries exhausted, dead-lettering event",
				zap.String("topic", string(sub.Topic)),
				zap.String("event_type", string(event.EventType)),
				zap.String("key", event.IdempotencyKey),
				zap.Int("attempts", attempt),
				zap.Error(err))
			r.deadLetter(sub.Topic, data, "retries_exhausted")
			return OutcomeDeadLetter
		}
		metrics.EventsRetried.WithLabelValues(r.Name, string(sub.Topic)).Inc()
		r.Log.Warn("handler failed, requesting redelivery",
			zap.String("topic", string(sub.Topic)),
			zap.String("key", event.IdempotencyKey),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return OutcomeRetry
	}

	if err := r.Guard.Mark(ctx, event.IdempotencyKey); err != nil {
		// The side effect committed; a redelivery will be absorbed by the
		// handler's own storage-level idempotency.
		r.Log.Warn("failed to mark idempotency key",
			zap.String("key", event.IdempotencyKey), zap.Error(err))
	}
	metrics.EventsConsumed.WithLabelValues(r.Name, string(sub.Topic)).Inc()
	return OutcomeAck
}

func (r *Runtime) deadLetter(topic contracts.Topic, data []byte, reason string) {
	metrics.EventsDeadLettered.WithLabelValues(r.Name, string(topic), reason).Inc()
	if r.Bus == nil {
		return
	}
	if err := r.Bus.Publish(topic.DeadLetter(), data); err != nil {
		r.Log.Error("dead-letter publish failed",
			zap.String("topic", string(topic)),
			zap.String("reason", reason),
			zap.Error(err))
	}
}

// Bind attaches every subscription to the bus as a durable queue consumer.
// Multiple replicas of the same consumer share the queue group.
func (r *Runtime) Bind(ctx context.Context, client *natsutil.Client) ([]*nats.Subscription, error) {
	bound := make([]*nats.Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		sub := sub
		natsSub, err := client.SubscribeQueue(sub.Topic, r.Name, func(msg *nats.Msg) {
			attempt := 1
			if meta, metaErr := msg.Metadata(); metaErr == nil {
				attempt = int(meta.NumDelivered)
			}
			switch r.Process(ctx, sub, msg.Data, attempt) {
			case OutcomeAck:
				_ = msg.Ack()
			case OutcomeRetry:
				_ = msg.Nak()
			case OutcomeDeadLetter:
				_ = msg.Term()
			}
		})
		if err != nil {
			return bound, err
		}
		bound = append(bound, natsSub)
	}
	return bound, nil
}
