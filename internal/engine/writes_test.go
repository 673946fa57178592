package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/outbox"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/records"
)

func TestWritesStampAndEnqueue(t *testing.T) {
	clock := newTestClock()
	tb := newTestBackend(t, clock)
	device := newTestDevice(t, tb, "user-1")
	ctx := context.Background()

	task, err := device.engine.Create(ctx, testTable, map[string]any{"title": "stamped"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if task.ID() == "" {
		t.Fatalf("expected a generated id")
	}
	if task.DeviceID() == "" {
		t.Fatalf("expected device id stamp, got %v", task)
	}
	if !task.UpdatedAt().Equal(clock.Now()) {
		t.Fatalf("expected updated_at %s, got %s", clock.Now(), task.UpdatedAt())
	}
	if task[records.FieldCreatedAt] != task[records.FieldUpdatedAt] {
		t.Fatalf("expected created_at to match the first write, got %v", task)
	}

	clock.Advance(time.Second)
	updated, err := device.engine.Set(ctx, testTable, task.ID(), "priority", 3)
	if err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if !updated.UpdatedAt().Equal(clock.Now()) || updated.DeviceID() != task.DeviceID() {
		t.Fatalf("expected a fresh stamp from the same device, got %v", updated)
	}

	entries, err := device.queue.All(ctx)
	if err != nil {
		t.Fatalf("list outbox failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two queued intents, got %d", len(entries))
	}
	if entries[0].Operation != outbox.OperationCreate || entries[1].Operation != outbox.OperationSet {
		t.Fatalf("unexpected queued operations %s, %s", entries[0].Operation, entries[1].Operation)
	}
	if entries[1].Field != "priority" || entries[1].BaseVersion != records.FormatTimestamp(task.UpdatedAt()) {
		t.Fatalf("unexpected set entry %+v", entries[1])
	}
}

func TestWriteErrors(t *testing.T) {
	clock := newTestClock()
	tb := newTestBackend(t, clock)
	device := newTestDevice(t, tb, "user-1")
	ctx := context.Background()

	task, err := device.engine.Create(ctx, testTable, map[string]any{"id": "t1", "title": "text", "done": false})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	testCases := []struct {
		name     string
		write    func() error
		expected error
	}{
		{
			name: "unknown table",
			write: func() error {
				_, err := device.engine.Create(ctx, "unknown", map[string]any{"title": "x"})
				return err
			},
			expected: ErrUnknownTable,
		},
		{
			name: "duplicate create",
			write: func() error {
				_, err := device.engine.Create(ctx, testTable, map[string]any{"id": task.ID()})
				return err
			},
			expected: ErrAlreadyExists,
		},
		{
			name: "update missing",
			write: func() error {
				_, err := device.engine.Update(ctx, testTable, "missing", map[string]any{"title": "x"})
				return err
			},
			expected: ErrNotFound,
		},
		{
			name: "increment text",
			write: func() error {
				_, err := device.engine.Increment(ctx, testTable, task.ID(), "title", 1)
				return err
			},
			expected: ErrInvalidValue,
		},
		{
			name: "toggle text",
			write: func() error {
				_, err := device.engine.Toggle(ctx, testTable, task.ID(), "title")
				return err
			},
			expected: ErrInvalidValue,
		},
		{
			name: "set metadata",
			write: func() error {
				_, err := device.engine.Set(ctx, testTable, task.ID(), records.FieldUpdatedAt, "2020-01-01T00:00:00.000Z")
				return err
			},
			expected: ErrInvalidValue,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if err := testCase.write(); !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}

	pending, err := device.queue.Count(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected rejected writes to leave the outbox untouched, got %d entries", pending)
	}
}

func TestDeleteHidesEntityAndRecreateWorks(t *testing.T) {
	clock := newTestClock()
	tb := newTestBackend(t, clock)
	device := newTestDevice(t, tb, "user-1")
	ctx := context.Background()

	task, err := device.engine.Create(ctx, testTable, map[string]any{"title": "temporary"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := device.engine.Delete(ctx, testTable, task.ID()); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, found, err := device.engine.Get(ctx, testTable, task.ID()); err != nil || found {
		t.Fatalf("expected tombstone to read as missing, found=%v err=%v", found, err)
	}
	if err := device.engine.Delete(ctx, testTable, task.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected second delete to report not found, got %v", err)
	}

	report := mustSync(t, device)
	if report.Pushed != 0 {
		t.Fatalf("expected create followed by delete to cancel out, got %+v", report)
	}

	clock.Advance(time.Second)
	if _, err := device.engine.Create(ctx, testTable, map[string]any{"id": task.ID(), "title": "again"}); err != nil {
		t.Fatalf("re-create over tombstone failed: %v", err)
	}
	mustSync(t, device)
	if row := remoteRow(t, device, task.ID()); row["title"] != "again" {
		t.Fatalf("expected re-created row remotely, got %v", row)
	}
}

func TestQueriesServeLocalData(t *testing.T) {
	clock := newTestClock()
	tb := newTestBackend(t, clock)
	device := newTestDevice(t, tb, "user-1")
	ctx := context.Background()

	for index, title := range []string{"a", "b", "c"} {
		if _, err := device.engine.Create(ctx, testTable, map[string]any{"title": title, "rank": index + 1}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		clock.Advance(time.Second)
	}

	equal, err := device.engine.QueryEqual(ctx, testTable, "title", "b")
	if err != nil {
		t.Fatalf("query equal failed: %v", err)
	}
	if len(equal) != 1 || equal[0]["title"] != "b" {
		t.Fatalf("unexpected equality result %v", equal)
	}
	ranged, err := device.engine.QueryRange(ctx, testTable, "rank", 2, nil)
	if err != nil {
		t.Fatalf("query range failed: %v", err)
	}
	if len(ranged) != 2 {
		t.Fatalf("expected two rows with rank >= 2, got %v", ranged)
	}
	listed, err := device.engine.List(ctx, testTable)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 3 || listed[0]["title"] != "c" {
		t.Fatalf("expected newest first, got %v", listed)
	}
}
