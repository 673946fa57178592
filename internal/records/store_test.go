package records

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testCollection = "tasks"

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "records.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Row{}, &Metadata{}); err != nil {
		t.Fatalf("failed to migrate records: %v", err)
	}
	store, err := NewStore(StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func testEntity(id string, offset time.Duration, fields map[string]any) Entity {
	entity := Entity{FieldID: id, FieldUserID: "user-1", FieldDeleted: false}
	entity.Stamp(baseTime.Add(offset), "device-a")
	for key, value := range fields {
		entity[key] = value
	}
	return entity
}

func mustPut(t *testing.T, store *Store, entities ...Entity) {
	t.Helper()
	for _, entity := range entities {
		if err := store.Put(context.Background(), testCollection, entity); err != nil {
			t.Fatalf("put %s failed: %v", entity.ID(), err)
		}
	}
}

func entityIDs(entities []Entity) []string {
	ids := make([]string, 0, len(entities))
	for _, entity := range entities {
		ids = append(ids, entity.ID())
	}
	return ids
}

func TestStorePutGetAndUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustPut(t, store, testEntity("a", 0, map[string]any{"title": "first"}))
	mustPut(t, store, testEntity("a", time.Second, map[string]any{"title": "second"}))

	entity, found, err := store.Get(ctx, testCollection, "a")
	if err != nil || !found {
		t.Fatalf("expected entity, found=%v err=%v", found, err)
	}
	if entity["title"] != "second" {
		t.Fatalf("expected upsert to replace payload, got %v", entity["title"])
	}
	if !entity.UpdatedAt().Equal(baseTime.Add(time.Second)) {
		t.Fatalf("unexpected updated_at %v", entity.UpdatedAt())
	}
	count, err := store.Count(ctx, testCollection)
	if err != nil || count != 1 {
		t.Fatalf("expected one row, got %d err=%v", count, err)
	}

	if _, found, err := store.Get(ctx, testCollection, "missing"); err != nil || found {
		t.Fatalf("expected missing entity, found=%v err=%v", found, err)
	}
	if err := store.Put(ctx, testCollection, Entity{"title": "no id"}); !errors.Is(err, ErrMissingEntityID) {
		t.Fatalf("expected ErrMissingEntityID, got %v", err)
	}
}

func TestStoreListActiveFiltersTombstonesAndOwners(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tombstone := testEntity("deleted", 2*time.Second, nil)
	tombstone[FieldDeleted] = true
	foreign := testEntity("foreign", 3*time.Second, nil)
	foreign[FieldUserID] = "user-2"
	anonymous := testEntity("anonymous", 4*time.Second, nil)
	delete(anonymous, FieldUserID)
	mustPut(t, store, testEntity("old", 0, nil), testEntity("new", time.Second, nil), tombstone, foreign, anonymous)

	active, err := store.ListActive(ctx, testCollection, "user-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	got := entityIDs(active)
	want := []string{"anonymous", "new", "old"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for index := range want {
		if got[index] != want[index] {
			t.Fatalf("expected %v newest first, got %v", want, got)
		}
	}

	all, err := store.ListActive(ctx, testCollection, "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected every live owner without a user filter, got %v", entityIDs(all))
	}
}

func TestStoreListUpdatedAfterIsStrict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustPut(t, store, testEntity("a", 0, nil), testEntity("b", time.Second, nil), testEntity("c", 2*time.Second, nil))

	changed, err := store.ListUpdatedAfter(ctx, testCollection, baseTime.Add(time.Second))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if ids := entityIDs(changed); len(ids) != 1 || ids[0] != "c" {
		t.Fatalf("expected only c after the bound, got %v", ids)
	}
	everything, err := store.ListUpdatedAfter(ctx, testCollection, time.Time{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if ids := entityIDs(everything); len(ids) != 3 || ids[0] != "a" {
		t.Fatalf("expected all rows oldest first, got %v", ids)
	}
}

func TestStoreQueries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustPut(t, store,
		testEntity("a", 0, map[string]any{"goal_id": "g1", "date": "2024-05-01", "count": 1}),
		testEntity("b", time.Second, map[string]any{"goal_id": "g2", "date": "2024-05-03", "count": 3}),
		testEntity("c", 2*time.Second, map[string]any{"goal_id": "g1", "date": "2024-05-05", "count": 5}),
	)

	testCases := []struct {
		name string
		run  func() ([]Entity, error)
		want []string
	}{
		{
			name: "equal string",
			run: func() ([]Entity, error) {
				return store.QueryEqual(ctx, testCollection, "goal_id", "g1")
			},
			want: []string{"c", "a"},
		},
		{
			name: "equal number",
			run: func() ([]Entity, error) {
				return store.QueryEqual(ctx, testCollection, "count", 3)
			},
			want: []string{"b"},
		},
		{
			name: "closed range",
			run: func() ([]Entity, error) {
				return store.QueryRange(ctx, testCollection, "date", "2024-05-02", "2024-05-05")
			},
			want: []string{"b", "c"},
		},
		{
			name: "open upper bound",
			run: func() ([]Entity, error) {
				return store.QueryRange(ctx, testCollection, "count", 2, nil)
			},
			want: []string{"b", "c"},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			entities, err := testCase.run()
			if err != nil {
				t.Fatalf("query failed: %v", err)
			}
			got := entityIDs(entities)
			if len(got) != len(testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, got)
			}
			for index := range got {
				if got[index] != testCase.want[index] {
					t.Fatalf("expected %v, got %v", testCase.want, got)
				}
			}
		})
	}

	if _, err := store.QueryEqual(ctx, testCollection, "title'); DROP TABLE", "x"); !errors.Is(err, ErrInvalidField) {
		t.Fatalf("expected ErrInvalidField, got %v", err)
	}
}

func TestStorePurgeTombstonesHonorsCutoffAndKeep(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	oldTombstone := testEntity("old", 0, nil)
	oldTombstone[FieldDeleted] = true
	keptTombstone := testEntity("kept", 0, nil)
	keptTombstone[FieldDeleted] = true
	freshTombstone := testEntity("fresh", time.Hour, nil)
	freshTombstone[FieldDeleted] = true
	mustPut(t, store, oldTombstone, keptTombstone, freshTombstone, testEntity("live", 0, nil))

	purged, err := store.PurgeTombstones(ctx, baseTime.Add(time.Minute), func(collection, entityID string) bool {
		return entityID == "kept"
	})
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one purged tombstone, got %d", purged)
	}
	for _, id := range []string{"kept", "fresh", "live"} {
		if _, found, err := store.Get(ctx, testCollection, id); err != nil || !found {
			t.Fatalf("expected %s to survive, found=%v err=%v", id, found, err)
		}
	}
	if _, found, _ := store.Get(ctx, testCollection, "old"); found {
		t.Fatalf("expected old tombstone to be purged")
	}
}

func TestCursorIsPerUserAndMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, found, err := store.LoadCursor(ctx, "user-1"); err != nil || found {
		t.Fatalf("expected no cursor, found=%v err=%v", found, err)
	}
	if _, _, err := store.LoadCursor(ctx, ""); !errors.Is(err, ErrMissingUserID) {
		t.Fatalf("expected ErrMissingUserID, got %v", err)
	}

	advanced, err := store.AdvanceCursor(ctx, "user-1", baseTime.Add(time.Minute))
	if err != nil || !advanced.Equal(baseTime.Add(time.Minute)) {
		t.Fatalf("expected cursor to advance, got %v err=%v", advanced, err)
	}
	kept, err := store.AdvanceCursor(ctx, "user-1", baseTime)
	if err != nil || !kept.Equal(baseTime.Add(time.Minute)) {
		t.Fatalf("expected cursor never to move back, got %v err=%v", kept, err)
	}
	if _, found, _ := store.LoadCursor(ctx, "user-2"); found {
		t.Fatalf("expected cursors to be isolated per user")
	}

	if err := store.ResetCursor(ctx, "user-1"); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if _, found, _ := store.LoadCursor(ctx, "user-1"); found {
		t.Fatalf("expected reset cursor to be gone")
	}
}

func TestDeviceIDIsCreatedOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	calls := 0
	generate := func() (string, error) {
		calls++
		return "device-generated", nil
	}
	first, err := store.DeviceID(ctx, generate)
	if err != nil {
		t.Fatalf("device id failed: %v", err)
	}
	second, err := store.DeviceID(ctx, generate)
	if err != nil {
		t.Fatalf("device id failed: %v", err)
	}
	if first != "device-generated" || second != first || calls != 1 {
		t.Fatalf("expected one persisted device id, got %q %q after %d calls", first, second, calls)
	}
}

func TestEntityHelpers(t *testing.T) {
	entity := Entity{FieldID: " x ", "count": 2}
	merged := entity.Merge(Entity{"count": 3, "title": "t"})
	if entity["count"] != 2 {
		t.Fatalf("expected merge not to mutate the receiver")
	}
	if merged["count"] != 3 || merged["title"] != "t" || merged.ID() != "x" {
		t.Fatalf("unexpected merge result %#v", merged)
	}
	if !ValuesEqual(float64(3), 3) {
		t.Fatalf("expected numeric values to compare by JSON form")
	}
	if _, ok := Numeric("3"); ok {
		t.Fatalf("expected strings not to be numeric")
	}
	if !IsMetadataField(FieldUpdatedAt) || IsMetadataField("title") {
		t.Fatalf("unexpected metadata classification")
	}
	if got := FormatTimestamp(time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)); got != "2024-05-01T12:00:00.123Z" {
		t.Fatalf("unexpected timestamp %s", got)
	}
}
