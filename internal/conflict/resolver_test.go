package conflict

import (
	"reflect"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/outbox"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/records"
)

func pendingUpdate(payload string) outbox.Entry {
	return outbox.Entry{ID: 1, Collection: "goals", EntityID: "g1", Operation: outbox.OperationUpdate, PayloadJSON: payload}
}

func pendingEdit(payload, base string) outbox.Entry {
	entry := pendingUpdate(payload)
	entry.BaseJSON = base
	return entry
}

func pendingOp(op outbox.OperationType, field, payload string) outbox.Entry {
	return outbox.Entry{ID: 2, Collection: "goals", EntityID: "g1", Operation: op, Field: field, PayloadJSON: payload}
}

func TestResolveDecisionTable(t *testing.T) {
	local := records.Entity{"id": "g1", "name": "Local", "updated_at": "2024-05-01T10:00:00.000Z", "deleted": false}
	remoteLive := records.Entity{"id": "g1", "name": "Remote", "updated_at": "2024-05-01T11:00:00.000Z", "deleted": false}
	remoteDeleted := records.Entity{"id": "g1", "name": "Remote", "updated_at": "2024-05-01T09:00:00.000Z", "deleted": true}

	testCases := []struct {
		name       string
		remote     records.Entity
		pending    []outbox.Entry
		expected   Type
		resolution Resolution
		deleted    bool
	}{
		{
			name:       "both deleted",
			remote:     remoteDeleted,
			pending:    []outbox.Entry{pendingOp(outbox.OperationDelete, "", "{}")},
			expected:   TypeNone,
			resolution: ResolutionAuto,
			deleted:    true,
		},
		{
			name:       "remote delete beats local edit",
			remote:     remoteDeleted,
			pending:    []outbox.Entry{pendingUpdate(`{"name":"Local"}`)},
			expected:   TypeDeleteWins,
			resolution: ResolutionRemoteWins,
			deleted:    true,
		},
		{
			name:       "remote delete cancels local create",
			remote:     remoteDeleted,
			pending:    []outbox.Entry{pendingOp(outbox.OperationCreate, "", `{"name":"Local"}`)},
			expected:   TypeCreateDelete,
			resolution: ResolutionCancel,
			deleted:    true,
		},
		{
			name:       "local delete beats remote edit",
			remote:     remoteLive,
			pending:    []outbox.Entry{pendingOp(outbox.OperationDelete, "", "{}")},
			expected:   TypeDeleteWins,
			resolution: ResolutionLocalWins,
			deleted:    true,
		},
		{
			name:       "local create defers to server",
			remote:     remoteLive,
			pending:    []outbox.Entry{pendingOp(outbox.OperationCreate, "", `{"name":"Local"}`)},
			expected:   TypeNone,
			resolution: ResolutionAuto,
		},
		{
			name:       "remote newer wins overlapping field",
			remote:     remoteLive,
			pending:    []outbox.Entry{pendingUpdate(`{"name":"Local"}`)},
			expected:   TypeLastWriteWins,
			resolution: ResolutionRemoteWins,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			result := Resolve("goals", "g1", local, testCase.remote, testCase.pending)
			if result.Type != testCase.expected || result.Resolution != testCase.resolution {
				t.Fatalf("expected %s/%s, got %s/%s", testCase.expected, testCase.resolution, result.Type, result.Resolution)
			}
			if result.Merged.Deleted() != testCase.deleted {
				t.Fatalf("expected deleted=%v, got %v", testCase.deleted, result.Merged.Deleted())
			}
			if result.HasConflicts != (testCase.expected != TypeNone) {
				t.Fatalf("unexpected has conflicts flag %v", result.HasConflicts)
			}
		})
	}
}

func TestResolveLastWriteWinsTieGoesLocal(t *testing.T) {
	local := records.Entity{"id": "g1", "name": "Local", "color": "red", "updated_at": "2024-05-01T10:00:00.000Z"}
	remote := records.Entity{"id": "g1", "name": "Remote", "color": "blue", "updated_at": "2024-05-01T10:00:00.000Z"}
	result := Resolve("goals", "g1", local, remote, []outbox.Entry{pendingUpdate(`{"name":"Local"}`)})

	if result.Type != TypeLastWriteWins || result.Resolution != ResolutionLocalWins {
		t.Fatalf("expected local to win a tie, got %s/%s", result.Type, result.Resolution)
	}
	if result.Merged["name"] != "Local" {
		t.Fatalf("expected local name, got %v", result.Merged["name"])
	}
	if result.Merged["color"] != "blue" {
		t.Fatalf("expected untouched remote field to survive, got %v", result.Merged["color"])
	}
	if !reflect.DeepEqual(result.Fields, []string{"name"}) {
		t.Fatalf("unexpected conflicting fields %v", result.Fields)
	}
}

func TestResolveDisjointFieldsMergeWithoutLoss(t *testing.T) {
	local := records.Entity{"id": "g1", "name": "Renamed", "notes": "old", "updated_at": "2024-05-01T10:00:00.000Z"}
	remote := records.Entity{"id": "g1", "name": "Original", "notes": "remote notes", "updated_at": "2024-05-01T12:00:00.000Z"}
	pending := []outbox.Entry{pendingEdit(`{"name":"Renamed"}`, `{"name":"Original"}`)}
	result := Resolve("goals", "g1", local, remote, pending)

	if result.Type != TypeFieldMerge || result.Resolution != ResolutionMerge {
		t.Fatalf("expected field merge, got %s/%s", result.Type, result.Resolution)
	}
	if result.Merged["name"] != "Renamed" || result.Merged["notes"] != "remote notes" {
		t.Fatalf("expected both edits to survive, got %#v", result.Merged)
	}
	if result.Merged["updated_at"] != "2024-05-01T12:00:00.000Z" {
		t.Fatalf("expected latest timestamp, got %v", result.Merged["updated_at"])
	}
	if result.DiscardsPending() || len(result.Superseded) != 0 {
		t.Fatalf("expected the pending rename to stay queued")
	}
}

func TestResolveDisjointFieldScopedEditsMerge(t *testing.T) {
	local := records.Entity{"id": "g1", "done": true, "title": "Old", "priority": float64(2), "updated_at": "2024-05-01T10:00:00.000Z"}
	remote := records.Entity{"id": "g1", "done": false, "title": "New", "priority": float64(5), "updated_at": "2024-05-01T12:00:00.000Z"}
	pending := []outbox.Entry{
		{ID: 3, Collection: "goals", EntityID: "g1", Operation: outbox.OperationToggle, Field: "done", PayloadJSON: "{}", BaseJSON: `{"done":false}`},
		{ID: 4, Collection: "goals", EntityID: "g1", Operation: outbox.OperationIncrement, Field: "priority", PayloadJSON: `{"amount":1}`, BaseJSON: `{"priority":1}`},
	}
	result := Resolve("goals", "g1", local, remote, pending)

	if result.Type != TypeIncrementMerge {
		t.Fatalf("expected increment merge for the shared counter, got %s/%s", result.Type, result.Resolution)
	}
	if result.Merged["done"] != true || result.Merged["title"] != "New" || result.Merged["priority"] != float64(6) {
		t.Fatalf("unexpected merge %#v", result.Merged)
	}
	if !reflect.DeepEqual(result.Fields, []string{"priority"}) {
		t.Fatalf("unexpected conflicting fields %v", result.Fields)
	}
}

func TestResolveRemoteWinsKeepsLocalOnlyFields(t *testing.T) {
	local := records.Entity{"id": "g1", "name": "Local", "notes": "local notes", "color": "red", "updated_at": "2024-05-01T10:00:00.000Z"}
	remote := records.Entity{"id": "g1", "name": "Remote", "notes": "old notes", "color": "blue", "updated_at": "2024-05-01T12:00:00.000Z"}
	pending := []outbox.Entry{pendingEdit(`{"name":"Local","notes":"local notes"}`, `{"name":"Original","notes":"old notes"}`)}
	result := Resolve("goals", "g1", local, remote, pending)

	if result.Type != TypeLastWriteWins || result.Resolution != ResolutionRemoteWins {
		t.Fatalf("expected remote to win the overlap, got %s/%s", result.Type, result.Resolution)
	}
	if result.Merged["name"] != "Remote" || result.Merged["color"] != "blue" {
		t.Fatalf("expected remote values on remote fields, got %#v", result.Merged)
	}
	if result.Merged["notes"] != "local notes" {
		t.Fatalf("expected local-only edit to survive, got %v", result.Merged["notes"])
	}
	if result.DiscardsPending() {
		t.Fatalf("expected pending intents for notes to survive")
	}
	if !reflect.DeepEqual(result.Superseded, []string{"name"}) {
		t.Fatalf("expected only name to be superseded, got %v", result.Superseded)
	}
}

func TestResolveRemoteWinsWholeOverlapDiscardsPending(t *testing.T) {
	local := records.Entity{"id": "g1", "name": "Local", "updated_at": "2024-05-01T10:00:00.000Z"}
	remote := records.Entity{"id": "g1", "name": "Remote", "updated_at": "2024-05-01T12:00:00.000Z"}
	result := Resolve("goals", "g1", local, remote, []outbox.Entry{pendingEdit(`{"name":"Local"}`, `{"name":"Original"}`)})
	if result.Resolution != ResolutionRemoteWins || !result.DiscardsPending() || len(result.Superseded) != 0 {
		t.Fatalf("expected full discard, got %s superseded=%v", result.Resolution, result.Superseded)
	}
}

func TestResolveIdenticalValuesNeedNoMerge(t *testing.T) {
	local := records.Entity{"id": "g1", "name": "Same", "count": 3, "updated_at": "2024-05-01T10:00:00.000Z"}
	remote := records.Entity{"id": "g1", "name": "Same", "count": float64(3), "updated_at": "2024-05-01T12:00:00.000Z"}
	result := Resolve("goals", "g1", local, remote, []outbox.Entry{pendingUpdate(`{"name":"Same"}`)})
	if result.Type != TypeNone || result.Resolution != ResolutionAuto {
		t.Fatalf("expected none/auto, got %s/%s", result.Type, result.Resolution)
	}
}

func TestResolveIncrementMergeAddsPendingDelta(t *testing.T) {
	local := records.Entity{"id": "g1", "progress": float64(7), "updated_at": "2024-05-01T10:00:00.000Z"}
	remote := records.Entity{"id": "g1", "progress": float64(10), "updated_at": "2024-05-01T12:00:00.000Z"}
	pending := []outbox.Entry{pendingOp(outbox.OperationIncrement, "progress", `{"amount":2}`)}
	result := Resolve("goals", "g1", local, remote, pending)

	if result.Type != TypeIncrementMerge || result.Resolution != ResolutionMerge {
		t.Fatalf("expected increment merge, got %s/%s", result.Type, result.Resolution)
	}
	if result.Merged["progress"] != float64(12) {
		t.Fatalf("expected remote value plus pending delta, got %v", result.Merged["progress"])
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	local := records.Entity{"id": "g1", "a": 1, "b": "x", "c": true, "updated_at": "2024-05-01T10:00:00.000Z"}
	remote := records.Entity{"id": "g1", "a": 2, "b": "y", "c": false, "updated_at": "2024-05-01T09:00:00.000Z"}
	pending := []outbox.Entry{pendingUpdate(`{"a":1,"b":"x"}`), pendingOp(outbox.OperationToggle, "c", "{}")}

	first := Resolve("goals", "g1", local, remote, pending)
	for attempt := 0; attempt < 20; attempt++ {
		again := Resolve("goals", "g1", local, remote, pending)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("expected identical results, got %#v and %#v", first, again)
		}
	}
	if !reflect.DeepEqual(first.Fields, []string{"a", "b", "c"}) {
		t.Fatalf("expected sorted conflicting fields, got %v", first.Fields)
	}
}

func TestResolveDoesNotMutateInputs(t *testing.T) {
	local := records.Entity{"id": "g1", "name": "Local", "updated_at": "2024-05-01T10:00:00.000Z"}
	remote := records.Entity{"id": "g1", "name": "Remote", "updated_at": "2024-05-01T11:00:00.000Z"}
	Resolve("goals", "g1", local, remote, []outbox.Entry{pendingOp(outbox.OperationDelete, "", "{}")})
	if local["name"] != "Local" || remote["name"] != "Remote" || remote.Deleted() {
		t.Fatalf("expected inputs to remain untouched")
	}
}
