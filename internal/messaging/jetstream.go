package messaging

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/taskpilot/platform/internal/contracts"
)

const (
	eventsStream     = "EVENTS"
	deadLetterStream = "DEADLETTER"
)

// MaxDeliveryAttempts and RedeliveryBackoff mirror the bus retry contract:
// three attempts with exponential backoff, then the dead letter.
const MaxDeliveryAttempts = 3

// maxDeliver is what the consumer config asks the server for. It must be
// strictly greater than len(RedeliveryBackoff) or the server rejects the
// consumer; the extra delivery never happens because the runtime publishes to
// the dead letter and Terms once NumDelivered reaches MaxDeliveryAttempts.
const maxDeliver = MaxDeliveryAttempts + 1

var RedeliveryBackoff = []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second}

// EnsureStreams creates (or validates) the two streams every service relies on:
// - *.events             (todo, reminder, recurring, ai, audit)
// - *.events.deadletter
func EnsureStreams(js nats.JetStreamContext) error {
	if err := ensureStream(js, eventsStream, "*.events"); err != nil {
		return err
	}
	return ensureStream(js, deadLetterStream, "*.events"+contracts.DeadLetterSuffix)
}

func ensureStream(js nats.JetStreamContext, name, subjects string) error {
	if _, err := js.StreamInfo(name); err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, addErr := js.AddStream(&nats.StreamConfig{
				Name:      name,
				Subjects:  []string{subjects},
				Retention: nats.LimitsPolicy,
				Storage:   nats.FileStorage,
				Replicas:  1,
			})
			return addErr
		}
		return err
	}
	return nil
}

// SubscribeOpts returns the subscription options enforcing the delivery
// contract: manual acks, capped delivery attempts, spaced redelivery.
func SubscribeOpts() []nats.SubOpt {
	return []nats.SubOpt{
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxDeliver(maxDeliver),
		nats.BackOff(RedeliveryBackoff),
		nats.AckWait(45 * time.Second),
	}
}
