package contracts

// Topic names the bus channel an event type is published to. The registry
// below is constant data; topic partitioning and retention are owned by the
// external bus configuration.
type Topic string

const (
	TopicTodo      Topic = "todo.events"
	TopicReminder  Topic = "reminder.events"
	TopicRecurring Topic = "recurring.events"
	TopicAI        Topic = "ai.events"
	// TopicAudit is the fan-in channel: topics the audit consumer does not
	// subscribe to directly mirror their events here.
	TopicAudit Topic = "audit.events"
)

const DeadLetterSuffix = ".deadletter"

// DeadLetter returns the destination for events that exhausted their retry
// budget on this topic.
func (t Topic) DeadLetter() Topic {
	return t + DeadLetterSuffix
}

var topicByEventType = map[EventType]Topic{
	TaskCreated:       TopicTodo,
	TaskUpdated:       TopicTodo,
	TaskDeleted:       TopicTodo,
	TaskCompleted:     TopicTodo,
	ReminderScheduled: TopicReminder,
	ReminderTriggered: TopicReminder,
	ReminderCancelled: TopicReminder,
	RecurringSpawned:  TopicRecurring,
	AIToolCalled:      TopicAI,
}

// TopicFor resolves the publish topic for an event type. The second return
// is false for event types outside the closed set.
func TopicFor(eventType EventType) (Topic, bool) {
	topic, ok := topicByEventType[eventType]
	return topic, ok
}

// Topics lists every registered topic, dead letters excluded.
func Topics() []Topic {
	return []Topic{TopicTodo, TopicReminder, TopicRecurring, TopicAI, TopicAudit}
}
