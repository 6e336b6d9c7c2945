package metrics

// Pipeline counters shared by the producer and the consumer runtime.
// Dead-letter depth and audit-gap errors are the operational signal for
// events the pipeline could not process.
var (
	EventsPublished = NewCounterVec(Opts{
		Name: "events_published_total",
		Help: "Events handed to the bus, by topic.",
	}, []string{"topic"})

	PublishFailures = NewCounterVec(Opts{
		Name: "events_publish_failures_total",
		Help: "Fire-and-forget publishes that failed, by topic.",
	}, []string{"topic"})

	EventsConsumed = NewCounterVec(Opts{
		Name: "events_consumed_total",
		Help: "Events processed to completion, by consumer and topic.",
	}, []string{"consumer", "topic"})

	EventsDuplicate = NewCounterVec(Opts{
		Name: "events_duplicate_total",
		Help: "Redeliveries suppressed by the idempotency guard.",
	}, []string{"consumer", "topic"})

	EventsDeadLettered = NewCounterVec(Opts{
		Name: "events_deadlettered_total",
		Help: "Events routed to a dead-letter topic, by consumer, topic and reason.",
	}, []string{"consumer", "topic", "reason"})

	EventsRetried = NewCounterVec(Opts{
		Name: "events_retried_total",
		Help: "Handler failures returned to the bus for redelivery.",
	}, []string{"consumer", "topic"})

	RemindersFired = NewCounterVec(Opts{
		Name: "reminders_fired_total",
		Help: "Reminders transitioned to triggered.",
	}, nil)

	TasksSpawned = NewCounterVec(Opts{
		Name: "recurring_tasks_spawned_total",
		Help: "Task instances spawned from recurring rules.",
	}, nil)
)

func init() {
	Default.MustRegister(
		EventsPublished,
		PublishFailures,
		EventsConsumed,
		EventsDuplicate,
		EventsDeadLettered,
		EventsRetried,
		RemindersFired,
		TasksSpawned,
	)
}
