package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fieldlab-api/internal/models"
)

func TestStoragePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "store.json")
	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}

	user, err := store.CreateUser(ctx, CreateUserParams{Username: "ada", Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	sample := models.Sample{
		Identifier:   "GEN-SOIL-2024-001",
		Type:         models.SampleTypeSoil,
		ProjectCode:  "GEN",
		EncodedLabel: "data:image/png;base64,AAAA",
		CreatedAt:    time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	if _, err := store.InsertSample(ctx, sample); err != nil {
		t.Fatalf("insert sample: %v", err)
	}

	reopened, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := reopened.GetUser(ctx, user.ID); err != nil {
		t.Fatalf("expected user after reopen: %v", err)
	}
	got, err := reopened.GetSample(ctx, sample.Identifier)
	if err != nil {
		t.Fatalf("expected sample after reopen: %v", err)
	}
	if got.EncodedLabel != sample.EncodedLabel {
		t.Fatalf("expected encoded label to persist, got %q", got.EncodedLabel)
	}
}

func TestStorageRollsBackWhenPersistFails(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	store.persistOverride = func(dataset) error { return errors.New("disk full") }

	if _, err := store.CreateUser(ctx, CreateUserParams{Username: "ada", Email: "ada@example.com"}); err == nil {
		t.Fatal("expected persist failure")
	}
	_, err := store.InsertSample(ctx, models.Sample{Identifier: "GEN-SOIL-2024-001", Type: models.SampleTypeSoil})
	if err == nil {
		t.Fatal("expected persist failure for sample")
	}

	store.persistOverride = nil
	users, err := store.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("expected rollback, got %d users", len(users))
	}
	if _, found, _ := store.FindMaxIdentifier(ctx, "GEN-SOIL-2024"); found {
		t.Fatal("expected sample insert to be rolled back")
	}
}

func TestStorageRejectsInvalidSample(t *testing.T) {
	store := newTestStore(t)
	_, err := store.InsertSample(context.Background(), models.Sample{Identifier: "X-1", Type: "Rock"})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid sample error, got %v", err)
	}
}

func TestStorageReturnsDetachedSamples(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	sample := models.Sample{
		Identifier: "GEN-PLAN-2024-001",
		Type:       models.SampleTypePlant,
		Attributes: map[string]any{"height": 12.0},
	}
	if _, err := store.InsertSample(ctx, sample); err != nil {
		t.Fatalf("insert: %v", err)
	}
	sample.Attributes["height"] = 99.0

	got, err := store.GetSample(ctx, sample.Identifier)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Attributes["height"] != 12.0 {
		t.Fatalf("expected stored attributes to be detached, got %v", got.Attributes["height"])
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("expected createdAt to default to the store clock")
	}
}

func TestStorageFailsOnCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewStorage(path); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestStorageHonoursCancelledContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.ListSamples(ctx, SampleFilter{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if err := store.Ping(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ping to observe cancellation, got %v", err)
	}
}

func TestSnapshotRoundTripIntoJSONStore(t *testing.T) {
	ctx := context.Background()
	source := newTestStore(t)
	author, err := source.CreateUser(ctx, CreateUserParams{Username: "ada", Email: "ada@example.com"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := source.CreatePost(ctx, CreatePostParams{AuthorID: author.ID, Title: "Survey"}); err != nil {
		t.Fatalf("create post: %v", err)
	}
	if _, err := source.InsertSample(ctx, models.Sample{Identifier: "GEN-SOIL-2024-001", Type: models.SampleTypeSoil}); err != nil {
		t.Fatalf("insert sample: %v", err)
	}

	snapshot, err := LoadSnapshotFromJSON(source.filePath)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	counts := snapshot.Counts()
	if counts != (SnapshotCounts{Users: 1, Posts: 1, Samples: 1}) {
		t.Fatalf("unexpected snapshot counts %+v", counts)
	}
	if exported := source.Snapshot().Counts(); exported != counts {
		t.Fatalf("expected in-memory snapshot to match file, got %+v", exported)
	}

	target := newTestStore(t)
	if err := ImportSnapshot(ctx, target, snapshot); err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := ImportSnapshot(ctx, target, snapshot); err != nil {
		t.Fatalf("re-import: %v", err)
	}
	targetCounts, err := target.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if targetCounts != counts {
		t.Fatalf("expected %+v after import, got %+v", counts, targetCounts)
	}
}

func TestLoadSnapshotFromEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	snapshot, err := LoadSnapshotFromJSON(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snapshot.Counts() != (SnapshotCounts{}) {
		t.Fatalf("expected empty snapshot, got %+v", snapshot.Counts())
	}
}

func TestImportSnapshotRequiresSnapshot(t *testing.T) {
	if err := ImportSnapshot(context.Background(), newTestStore(t), nil); err == nil {
		t.Fatal("expected error for nil snapshot")
	}
}
