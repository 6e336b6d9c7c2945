package recurring

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskpilot/platform/internal/app/taskapi"
	"github.com/taskpilot/platform/internal/consumer"
	"github.com/taskpilot/platform/internal/contracts"
)

type fakeRepo struct {
	mu    sync.Mutex
	rules map[string]Rule // by rule ID
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rules: map[string]Rule{}}
}

func (f *fakeRepo) Upsert(_ context.Context, rule Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.rules {
		if existing.TaskID == rule.TaskID {
			return nil
		}
	}
	f.rules[rule.ID] = rule
	return nil
}

func (f *fakeRepo) DueActive(_ context.Context, now time.Time, _ int) ([]Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []Rule
	for _, rule := range f.rules {
		if rule.IsActive && !rule.NextTriggerAt.After(now) {
			due = append(due, rule)
		}
	}
	return due, nil
}

func (f *fakeRepo) AdvanceNextTrigger(_ context.Context, ruleID string, from, to time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule, ok := f.rules[ruleID]
	if !ok || !rule.IsActive || !rule.NextTriggerAt.Equal(from) {
		return false, nil
	}
	rule.NextTriggerAt = to
	f.rules[ruleID] = rule
	return true, nil
}

func (f *fakeRepo) Deactivate(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, rule := range f.rules {
		if rule.TaskID == taskID {
			rule.IsActive = false
			f.rules[id] = rule
		}
	}
	return nil
}

func (f *fakeRepo) NextDue(_ context.Context) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var next time.Time
	found := false
	for _, rule := range f.rules {
		if rule.IsActive && (!found || rule.NextTriggerAt.Before(next)) {
			next = rule.NextTriggerAt
			found = true
		}
	}
	return next, found, nil
}

func (f *fakeRepo) rule(id string) Rule {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules[id]
}

type fakeParents struct {
	templates map[string]SpawnTemplate
}

func (f *fakeParents) ParentTask(_ context.Context, taskID string) (SpawnTemplate, bool, error) {
	tpl, ok := f.templates[taskID]
	return tpl, ok, nil
}

type fakeCreator struct {
	created []taskapi.CreateTaskRequest
	err     error
}

func (f *fakeCreator) CreateTask(_ context.Context, userID string, req taskapi.CreateTaskRequest) (taskapi.Task, error) {
	if f.err != nil {
		return taskapi.Task{}, f.err
	}
	f.created = append(f.created, req)
	return taskapi.Task{ID: req.TaskID, UserID: userID, Title: req.Title}, nil
}

type capturePublisher struct {
	events []contracts.Event
}

func (p *capturePublisher) PublishEvent(event contracts.Event) {
	p.events = append(p.events, event)
}

var sweepNow = time.Date(2026, 2, 7, 10, 0, 0, 0, time.UTC)

type fixture struct {
	repo    *fakeRepo
	parents *fakeParents
	creator *fakeCreator
	guard   *consumer.MemoryGuard
	pub     *capturePublisher
	svc     *Service
}

func newFixture() *fixture {
	f := &fixture{
		repo:    newFakeRepo(),
		parents: &fakeParents{templates: map[string]SpawnTemplate{}},
		creator: &fakeCreator{},
		guard:   consumer.NewMemoryGuard(),
		pub:     &capturePublisher{},
	}
	f.svc = NewService(f.repo, f.parents, f.creator, f.guard, f.pub, zap.NewNop())
	f.svc.Now = func() time.Time { return sweepNow }
	return f
}

func (f *fixture) addDailyRule(taskID string, triggerAt time.Time) Rule {
	rule := Rule{
		ID:            RuleID(taskID),
		TaskID:        taskID,
		UserID:        "user-1",
		Frequency:     "daily",
		Interval:      1,
		NextTriggerAt: triggerAt,
		IsActive:      true,
	}
	f.repo.rules[rule.ID] = rule
	f.parents.templates[taskID] = SpawnTemplate{
		UserID:   "user-1",
		Title:    "Water plants",
		Priority: "low",
		Tags:     []string{"home"},
	}
	return rule
}

func TestSweep_SpawnsAndAdvances(t *testing.T) {
	f := newFixture()
	trigger := sweepNow.Add(-time.Minute)
	rule := f.addDailyRule("task-1", trigger)

	require.NoError(t, f.svc.Sweep(context.Background()))

	require.Len(t, f.creator.created, 1)
	require.Equal(t, SpawnedTaskID("task-1", trigger), f.creator.created[0].TaskID)
	require.Equal(t, "Water plants", f.creator.created[0].Title)
	require.Equal(t, "low", f.creator.created[0].Priority)
	require.Equal(t, []string{"home"}, f.creator.created[0].Tags)

	advanced := f.repo.rules[rule.ID]
	require.True(t, advanced.NextTriggerAt.After(trigger))
	require.Equal(t, trigger.AddDate(0, 0, 1), advanced.NextTriggerAt)

	require.Len(t, f.pub.events, 1)
	event := f.pub.events[0]
	require.Equal(t, contracts.RecurringSpawned, event.EventType)
	require.Equal(t, SpawnKey("task-1", trigger), event.IdempotencyKey)

	var payload contracts.RecurrenceSpawnPayload
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	require.Equal(t, "task-1", payload.ParentTaskID)
	require.Equal(t, SpawnedTaskID("task-1", trigger), payload.SpawnedTaskID)
}

func TestSweep_DuplicateTriggerSuppressed(t *testing.T) {
	f := newFixture()
	trigger := sweepNow.Add(-time.Minute)
	rule := f.addDailyRule("task-1", trigger)

	// A previous run spawned but died before advancing the rule.
	require.NoError(t, f.guard.Mark(context.Background(), SpawnKey("task-1", trigger)))

	require.NoError(t, f.svc.Sweep(context.Background()))

	require.Empty(t, f.creator.created)
	require.Empty(t, f.pub.events)
	require.Equal(t, trigger.AddDate(0, 0, 1), f.repo.rules[rule.ID].NextTriggerAt)
}

func TestSweep_ParentGoneDeactivatesRule(t *testing.T) {
	f := newFixture()
	rule := f.addDailyRule("task-1", sweepNow.Add(-time.Minute))
	delete(f.parents.templates, "task-1")

	require.NoError(t, f.svc.Sweep(context.Background()))

	require.False(t, f.repo.rules[rule.ID].IsActive)
	require.Empty(t, f.creator.created)
}

func TestSweep_SpawnFailureLeavesRuleDue(t *testing.T) {
	f := newFixture()
	trigger := sweepNow.Add(-time.Minute)
	rule := f.addDailyRule("task-1", trigger)
	f.creator.err = errors.New("task api down")

	require.NoError(t, f.svc.Sweep(context.Background()))

	// Unadvanced, so the next sweep retries the same trigger.
	require.True(t, f.repo.rules[rule.ID].NextTriggerAt.Equal(trigger))
	require.Empty(t, f.pub.events)

	seen, err := f.guard.Seen(context.Background(), SpawnKey("task-1", trigger))
	require.NoError(t, err)
	require.False(t, seen)
}

func TestSweep_FutureRuleLeftAlone(t *testing.T) {
	f := newFixture()
	f.addDailyRule("task-1", sweepNow.Add(time.Hour))

	require.NoError(t, f.svc.Sweep(context.Background()))
	require.Empty(t, f.creator.created)
}

func TestHandleEvent_TaskCreatedRegistersRule(t *testing.T) {
	f := newFixture()

	payload, _ := json.Marshal(contracts.TaskPayload{
		Title:         "Water plants",
		RecurringRule: &contracts.RecurringRule{Frequency: "weekly", Interval: 1},
	})
	event := contracts.Event{
		EventType:      contracts.TaskCreated,
		EntityID:       "task-7",
		UserID:         "user-1",
		Timestamp:      sweepNow,
		IdempotencyKey: "key-1",
		Payload:        payload,
	}
	require.NoError(t, f.svc.HandleEvent(context.Background(), event))

	rule, ok := f.repo.rules[RuleID("task-7")]
	require.True(t, ok)
	require.True(t, rule.IsActive)
	require.True(t, rule.NextTriggerAt.After(sweepNow))
}

func TestHandleEvent_InvalidRuleIsPermanent(t *testing.T) {
	f := newFixture()

	payload, _ := json.Marshal(contracts.TaskPayload{
		Title:         "Broken",
		RecurringRule: &contracts.RecurringRule{Frequency: "custom", CronExpression: "bogus"},
	})
	event := contracts.Event{
		EventType:      contracts.TaskCreated,
		EntityID:       "task-8",
		UserID:         "user-1",
		Timestamp:      sweepNow,
		IdempotencyKey: "key-2",
		Payload:        payload,
	}
	err := f.svc.HandleEvent(context.Background(), event)
	require.Error(t, err)
	require.True(t, consumer.IsPermanent(err))
}

func TestHandleEvent_TaskDeletedDeactivates(t *testing.T) {
	f := newFixture()
	rule := f.addDailyRule("task-1", sweepNow.Add(time.Hour))

	event := contracts.Event{
		EventType:      contracts.TaskDeleted,
		EntityID:       "task-1",
		UserID:         "user-1",
		IdempotencyKey: "key-del",
	}
	require.NoError(t, f.svc.HandleEvent(context.Background(), event))
	require.False(t, f.repo.rules[rule.ID].IsActive)
}

func TestHandleEvent_TaskWithoutRuleIgnored(t *testing.T) {
	f := newFixture()

	payload, _ := json.Marshal(contracts.TaskPayload{Title: "Plain"})
	event := contracts.Event{
		EventType:      contracts.TaskCreated,
		EntityID:       "task-9",
		UserID:         "user-1",
		Timestamp:      sweepNow,
		IdempotencyKey: "key-3",
		Payload:        payload,
	}
	require.NoError(t, f.svc.HandleEvent(context.Background(), event))
	require.Empty(t, f.repo.rules)
}

func TestSpawnKey_DeterministicPerInstant(t *testing.T) {
	at := time.Date(2026, 2, 7, 9, 0, 0, 0, time.UTC)
	require.Equal(t, SpawnKey("task-1", at), SpawnKey("task-1", at))
	require.NotEqual(t, SpawnKey("task-1", at), SpawnKey("task-1", at.Add(time.Second)))
	require.NotEqual(t, SpawnKey("task-1", at), SpawnKey("task-2", at))
}

// taskStore mimics the task service's insert-on-conflict: a second create
// with the same pinned task ID returns the stored row instead of adding one.
// The gate holds every caller at the insert until all replicas arrive, the
// worst-case interleaving for a shared rule.
type taskStore struct {
	mu    sync.Mutex
	gate  *sync.WaitGroup
	tasks map[string]taskapi.Task
}

func (s *taskStore) CreateTask(_ context.Context, userID string, req taskapi.CreateTaskRequest) (taskapi.Task, error) {
	if s.gate != nil {
		s.gate.Done()
		s.gate.Wait()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tasks[req.TaskID]; ok {
		return existing, nil
	}
	task := taskapi.Task{ID: req.TaskID, UserID: userID, Title: req.Title}
	s.tasks[req.TaskID] = task
	return task, nil
}

func TestSweep_ConcurrentReplicasSpawnOneTask(t *testing.T) {
	repo := newFakeRepo()
	parents := &fakeParents{templates: map[string]SpawnTemplate{
		"task-1": {UserID: "user-1", Title: "Water plants", Priority: "low"},
	}}
	trigger := sweepNow.Add(-time.Minute)
	rule := Rule{
		ID:            RuleID("task-1"),
		TaskID:        "task-1",
		UserID:        "user-1",
		Frequency:     "daily",
		Interval:      1,
		NextTriggerAt: trigger,
		IsActive:      true,
	}
	require.NoError(t, repo.Upsert(context.Background(), rule))

	gate := &sync.WaitGroup{}
	gate.Add(2)
	store := &taskStore{gate: gate, tasks: map[string]taskapi.Task{}}

	// Two consumer replicas without a shared guard: each gets its own
	// in-memory guard and sweeps the same rule at the same time.
	newReplica := func() *Service {
		svc := NewService(repo, parents, store, consumer.NewMemoryGuard(), &capturePublisher{}, zap.NewNop())
		svc.Now = func() time.Time { return sweepNow }
		return svc
	}
	first, second := newReplica(), newReplica()

	var wg sync.WaitGroup
	wg.Add(2)
	var errFirst, errSecond error
	go func() {
		defer wg.Done()
		errFirst = first.Sweep(context.Background())
	}()
	go func() {
		defer wg.Done()
		errSecond = second.Sweep(context.Background())
	}()
	wg.Wait()
	require.NoError(t, errFirst)
	require.NoError(t, errSecond)

	require.Len(t, store.tasks, 1)
	_, ok := store.tasks[SpawnedTaskID("task-1", trigger)]
	require.True(t, ok)
	require.Equal(t, trigger.AddDate(0, 0, 1), repo.rule(rule.ID).NextTriggerAt)
}

func TestSpawnedTaskID_StablePerInstant(t *testing.T) {
	at := time.Date(2026, 2, 7, 9, 0, 0, 0, time.UTC)
	require.Equal(t, SpawnedTaskID("task-1", at), SpawnedTaskID("task-1", at))
	require.NotEqual(t, SpawnedTaskID("task-1", at), SpawnedTaskID("task-1", at.Add(time.Second)))
	require.NotEqual(t, SpawnedTaskID("task-1", at), SpawnKey("task-1", at))
}
