package outbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type stubClock struct {
	now time.Time
}

func (c *stubClock) Now() time.Time {
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T) (*Queue, *stubClock) {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "outbox.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		t.Fatalf("failed to migrate outbox: %v", err)
	}
	clock := &stubClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	queue, err := NewQueue(QueueConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	return queue, clock
}

func mustEnqueue(t *testing.T, queue *Queue, intent Intent) Entry {
	t.Helper()
	entry, err := queue.Enqueue(context.Background(), intent)
	if err != nil {
		t.Fatalf("enqueue %s failed: %v", intent.Operation, err)
	}
	return entry
}

func mustCoalesce(t *testing.T, queue *Queue) CoalesceResult {
	t.Helper()
	result, err := queue.Coalesce(context.Background())
	if err != nil {
		t.Fatalf("coalesce failed: %v", err)
	}
	return result
}

func mustAll(t *testing.T, queue *Queue) []Entry {
	t.Helper()
	entries, err := queue.All(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	return entries
}

func TestEnqueueRejectsInvalidIntents(t *testing.T) {
	queue, _ := newTestQueue(t)
	testCases := []struct {
		name   string
		intent Intent
	}{
		{name: "missing table", intent: Intent{Operation: OperationCreate, EntityID: "a"}},
		{name: "missing entity", intent: Intent{Table: "todos", Operation: OperationCreate}},
		{name: "unknown operation", intent: Intent{Table: "todos", Operation: "merge", EntityID: "a"}},
		{name: "increment without field", intent: Intent{Table: "todos", Operation: OperationIncrement, EntityID: "a"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := queue.Enqueue(context.Background(), testCase.intent); err == nil {
				t.Fatalf("expected enqueue to fail")
			}
		})
	}
}

func TestListDueAppliesExponentialBackoff(t *testing.T) {
	queue, clock := newTestQueue(t)
	ctx := context.Background()
	entry := mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationUpdate, EntityID: "a", Payload: map[string]any{"title": "x"}})

	batch, err := queue.ListDue(ctx)
	if err != nil {
		t.Fatalf("list due failed: %v", err)
	}
	if len(batch.Due) != 1 {
		t.Fatalf("expected fresh entry to be due, got %d", len(batch.Due))
	}

	expectedDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for attempt, delay := range expectedDelays {
		if _, err := queue.MarkAttempt(ctx, entry.ID); err != nil {
			t.Fatalf("mark attempt failed: %v", err)
		}
		clock.Advance(delay - time.Millisecond)
		batch, err = queue.ListDue(ctx)
		if err != nil {
			t.Fatalf("list due failed: %v", err)
		}
		if len(batch.Due) != 0 {
			t.Fatalf("attempt %d: expected entry to wait %s", attempt+1, delay)
		}
		clock.Advance(time.Millisecond)
		batch, err = queue.ListDue(ctx)
		if err != nil {
			t.Fatalf("list due failed: %v", err)
		}
		if len(batch.Due) != 1 {
			t.Fatalf("attempt %d: expected entry to be due after %s", attempt+1, delay)
		}
	}
}

func TestListDueDropsExhaustedEntries(t *testing.T) {
	queue, clock := newTestQueue(t)
	core, logs := observer.New(zap.WarnLevel)
	queue.logger = zap.New(core)
	ctx := context.Background()
	entry := mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationDelete, EntityID: "a"})
	for attempt := 0; attempt < DefaultMaxRetries; attempt++ {
		if _, err := queue.MarkAttempt(ctx, entry.ID); err != nil {
			t.Fatalf("mark attempt failed: %v", err)
		}
	}
	clock.Advance(time.Hour)

	batch, err := queue.ListDue(ctx)
	if err != nil {
		t.Fatalf("list due failed: %v", err)
	}
	if len(batch.Due) != 0 {
		t.Fatalf("expected exhausted entry never to be due")
	}
	if len(batch.Failed) != 1 || batch.Failed[0].ID != entry.ID {
		t.Fatalf("expected exhausted entry to be reported, got %#v", batch.Failed)
	}
	count, err := queue.Count(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected exhausted entry to be removed, %d remain", count)
	}
	dropped := logs.FilterMessage("outbox entry dropped after exhausting retries").All()
	if len(dropped) != 1 {
		t.Fatalf("expected one drop warning, got %d", len(dropped))
	}
	if fields := dropped[0].ContextMap(); fields["entity_id"] != "a" || fields["operation"] != string(OperationDelete) {
		t.Fatalf("unexpected drop warning fields %#v", fields)
	}
}

func TestCoalesceCreateDeleteCancels(t *testing.T) {
	queue, _ := newTestQueue(t)
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationCreate, EntityID: "a", Payload: map[string]any{"title": "draft"}})
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationUpdate, EntityID: "a", Payload: map[string]any{"title": "final"}})
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationDelete, EntityID: "a"})

	mustCoalesce(t, queue)
	if entries := mustAll(t, queue); len(entries) != 0 {
		t.Fatalf("expected create and delete to cancel, got %#v", entries)
	}
}

func TestCoalesceDeleteThenCreateKeepsCreate(t *testing.T) {
	queue, _ := newTestQueue(t)
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationDelete, EntityID: "a"})
	create := mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationCreate, EntityID: "a", Payload: map[string]any{"title": "again"}})

	mustCoalesce(t, queue)
	entries := mustAll(t, queue)
	if len(entries) != 1 || entries[0].ID != create.ID || entries[0].Operation != OperationCreate {
		t.Fatalf("expected a single create, got %#v", entries)
	}
}

func TestCoalesceDeleteCreateDeleteKeepsDelete(t *testing.T) {
	queue, _ := newTestQueue(t)
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationDelete, EntityID: "a"})
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationCreate, EntityID: "a", Payload: map[string]any{"title": "again"}})
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationDelete, EntityID: "a"})

	mustCoalesce(t, queue)
	entries := mustAll(t, queue)
	if len(entries) != 1 || entries[0].Operation != OperationDelete {
		t.Fatalf("expected the remote delete to survive, got %#v", entries)
	}
}

func TestCoalesceUpdateThenDeleteKeepsDelete(t *testing.T) {
	queue, _ := newTestQueue(t)
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationUpdate, EntityID: "a", Payload: map[string]any{"title": "x"}})
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationDelete, EntityID: "a"})

	mustCoalesce(t, queue)
	entries := mustAll(t, queue)
	if len(entries) != 1 || entries[0].Operation != OperationDelete {
		t.Fatalf("expected a single delete, got %#v", entries)
	}
}

func TestCoalesceMergesUpdatesIntoOldest(t *testing.T) {
	queue, _ := newTestQueue(t)
	first := mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationUpdate, EntityID: "a", Payload: map[string]any{"title": "one", "done": false}})
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationUpdate, EntityID: "a", Payload: map[string]any{"title": "two"}})
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationUpdate, EntityID: "b", Payload: map[string]any{"title": "other"}})

	mustCoalesce(t, queue)
	entries := mustAll(t, queue)
	if len(entries) != 2 {
		t.Fatalf("expected two entries, got %d", len(entries))
	}
	if entries[0].ID != first.ID {
		t.Fatalf("expected the oldest update to survive")
	}
	payload, err := entries[0].Payload()
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["title"] != "two" || payload["done"] != false {
		t.Fatalf("unexpected merged payload: %#v", payload)
	}
}

func TestCoalesceSumsIncrements(t *testing.T) {
	queue, _ := newTestQueue(t)
	for index := 0; index < 50; index++ {
		mustEnqueue(t, queue, Intent{Table: "counters", Operation: OperationIncrement, EntityID: "c", Field: "count", Payload: map[string]any{PayloadAmount: 1}})
	}

	mustCoalesce(t, queue)
	entries := mustAll(t, queue)
	if len(entries) != 1 {
		t.Fatalf("expected a single increment, got %d", len(entries))
	}
	if entries[0].Operation != OperationIncrement || entries[0].Amount() != 50 {
		t.Fatalf("expected increment of 50, got %s %v", entries[0].Operation, entries[0].Amount())
	}
}

func TestCoalesceRemovesIncrementsThatCancel(t *testing.T) {
	queue, _ := newTestQueue(t)
	mustEnqueue(t, queue, Intent{Table: "counters", Operation: OperationIncrement, EntityID: "c", Field: "count", Payload: map[string]any{PayloadAmount: 3}})
	mustEnqueue(t, queue, Intent{Table: "counters", Operation: OperationDecrement, EntityID: "c", Field: "count", Payload: map[string]any{PayloadAmount: 1}})
	mustEnqueue(t, queue, Intent{Table: "counters", Operation: OperationDecrement, EntityID: "c", Field: "count", Payload: map[string]any{PayloadAmount: 2}})

	mustCoalesce(t, queue)
	if entries := mustAll(t, queue); len(entries) != 0 {
		t.Fatalf("expected net-zero increments to vanish, got %#v", entries)
	}
}

func TestCoalesceNegativeNetBecomesDecrement(t *testing.T) {
	queue, _ := newTestQueue(t)
	mustEnqueue(t, queue, Intent{Table: "counters", Operation: OperationIncrement, EntityID: "c", Field: "count", Payload: map[string]any{PayloadAmount: 1}})
	mustEnqueue(t, queue, Intent{Table: "counters", Operation: OperationDecrement, EntityID: "c", Field: "count", Payload: map[string]any{PayloadAmount: 4}})

	mustCoalesce(t, queue)
	entries := mustAll(t, queue)
	if len(entries) != 1 || entries[0].Operation != OperationDecrement || entries[0].Amount() != 3 {
		t.Fatalf("expected decrement of 3, got %#v", entries)
	}
}

func TestCoalesceTogglesByParity(t *testing.T) {
	testCases := []struct {
		name     string
		toggles  int
		expected int
	}{
		{name: "even", toggles: 4, expected: 0},
		{name: "odd", toggles: 3, expected: 1},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			queue, _ := newTestQueue(t)
			for index := 0; index < testCase.toggles; index++ {
				mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationToggle, EntityID: "a", Field: "done"})
			}
			mustCoalesce(t, queue)
			if entries := mustAll(t, queue); len(entries) != testCase.expected {
				t.Fatalf("expected %d toggles, got %d", testCase.expected, len(entries))
			}
		})
	}
}

func TestCoalesceFoldsFieldOperationsIntoCreate(t *testing.T) {
	queue, _ := newTestQueue(t)
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationCreate, EntityID: "a", Payload: map[string]any{"count": 2, "done": false}})
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationIncrement, EntityID: "a", Field: "count", Payload: map[string]any{PayloadAmount: 5}})
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationToggle, EntityID: "a", Field: "done"})
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationSet, EntityID: "a", Field: "title", Payload: map[string]any{PayloadValue: "named"}})

	mustCoalesce(t, queue)
	entries := mustAll(t, queue)
	if len(entries) != 1 || entries[0].Operation != OperationCreate {
		t.Fatalf("expected a single create, got %#v", entries)
	}
	payload, err := entries[0].Payload()
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["count"] != float64(7) || payload["done"] != true || payload["title"] != "named" {
		t.Fatalf("unexpected folded payload: %#v", payload)
	}
}

func TestCoalesceIsIdempotent(t *testing.T) {
	queue, _ := newTestQueue(t)
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationUpdate, EntityID: "a", Payload: map[string]any{"title": "one"}})
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationUpdate, EntityID: "a", Payload: map[string]any{"title": "two"}})
	mustEnqueue(t, queue, Intent{Table: "counters", Operation: OperationIncrement, EntityID: "c", Field: "count", Payload: map[string]any{PayloadAmount: 1}})
	mustEnqueue(t, queue, Intent{Table: "counters", Operation: OperationIncrement, EntityID: "c", Field: "count", Payload: map[string]any{PayloadAmount: 1}})
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationToggle, EntityID: "b", Field: "done"})

	first := mustCoalesce(t, queue)
	if !first.Changed() {
		t.Fatalf("expected first pass to change the queue")
	}
	snapshot := mustAll(t, queue)

	second := mustCoalesce(t, queue)
	if second.Changed() {
		t.Fatalf("expected second pass to be a no-op, got %#v", second)
	}
	again := mustAll(t, queue)
	if len(again) != len(snapshot) {
		t.Fatalf("expected %d entries, got %d", len(snapshot), len(again))
	}
	for index := range snapshot {
		if snapshot[index] != again[index] {
			t.Fatalf("entry %d changed: %#v -> %#v", index, snapshot[index], again[index])
		}
	}
}

func TestRemoveForEntityAndPendingKeys(t *testing.T) {
	queue, _ := newTestQueue(t)
	ctx := context.Background()
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationUpdate, EntityID: "a", Payload: map[string]any{"title": "x"}})
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationToggle, EntityID: "a", Field: "done"})
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationUpdate, EntityID: "b", Payload: map[string]any{"title": "y"}})

	keys, err := queue.PendingKeys(ctx)
	if err != nil {
		t.Fatalf("pending keys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected two pending entities, got %d", len(keys))
	}

	removed, err := queue.RemoveForEntity(ctx, "todos", "a")
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected two entries removed, got %d", removed)
	}
	pending, err := queue.PendingFor(ctx, "todos", "a")
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending entries for a")
	}
}

func TestCoalesceKeepsEarliestBaseValues(t *testing.T) {
	queue, _ := newTestQueue(t)
	first := mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationUpdate, EntityID: "a",
		Payload: map[string]any{"title": "one"}, Base: map[string]any{"title": "original"}})
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationUpdate, EntityID: "a",
		Payload: map[string]any{"title": "two"}, Base: map[string]any{"title": "one"}})
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationSet, EntityID: "a", Field: "notes",
		Payload: map[string]any{PayloadValue: "new"}, Base: map[string]any{"notes": "old"}})

	mustCoalesce(t, queue)
	entries := mustAll(t, queue)
	if len(entries) != 1 || entries[0].ID != first.ID {
		t.Fatalf("expected one surviving update, got %#v", entries)
	}
	base, err := entries[0].Base()
	if err != nil {
		t.Fatalf("decode base: %v", err)
	}
	if base["title"] != "original" || base["notes"] != "old" {
		t.Fatalf("expected the values before the first change, got %#v", base)
	}
	if result := mustCoalesce(t, queue); result.Changed() {
		t.Fatalf("expected a second pass to change nothing, got %+v", result)
	}
}

func TestDropFieldsKeepsOtherPendingFields(t *testing.T) {
	queue, _ := newTestQueue(t)
	ctx := context.Background()
	update := mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationUpdate, EntityID: "a",
		Payload: map[string]any{"title": "mine", "notes": "kept"}, Base: map[string]any{"title": "t", "notes": "n"}})
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationToggle, EntityID: "a", Field: "title"})
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationIncrement, EntityID: "a", Field: "count",
		Payload: map[string]any{PayloadAmount: 1}})
	mustEnqueue(t, queue, Intent{Table: "todos", Operation: OperationUpdate, EntityID: "b",
		Payload: map[string]any{"title": "other"}})

	removed, err := queue.DropFields(ctx, "todos", "a", []string{"title"})
	if err != nil {
		t.Fatalf("drop fields failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected the toggle on title to be removed, got %d", removed)
	}
	pending, err := queue.PendingFor(ctx, "todos", "a")
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != update.ID || pending[1].Field != "count" {
		t.Fatalf("unexpected pending entries %#v", pending)
	}
	payload, _ := pending[0].Payload()
	base, _ := pending[0].Base()
	if _, ok := payload["title"]; ok || payload["notes"] != "kept" {
		t.Fatalf("expected only notes to stay in the payload, got %#v", payload)
	}
	if _, ok := base["title"]; ok || base["notes"] != "n" {
		t.Fatalf("expected only notes to stay in the base, got %#v", base)
	}

	removed, err = queue.DropFields(ctx, "todos", "a", []string{"notes"})
	if err != nil || removed != 1 {
		t.Fatalf("expected the emptied update to be removed, got %d err=%v", removed, err)
	}
	if entries := mustAll(t, queue); len(entries) != 2 {
		t.Fatalf("expected the increment and the other entity to remain, got %d", len(entries))
	}
}
