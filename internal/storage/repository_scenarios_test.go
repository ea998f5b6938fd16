package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fieldlab-api/internal/models"
)

// RepositoryFactory constructs a repository backed by one of the datastore
// implementations for cross-datastore scenario assertions.
type RepositoryFactory func(t *testing.T, opts ...Option) (Repository, func(), error)

func runRepository(t *testing.T, factory RepositoryFactory, opts ...Option) Repository {
	t.Helper()
	if factory == nil {
		t.Fatal("repository factory is required")
	}
	repo, cleanup, err := factory(t, opts...)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if repo == nil {
		t.Fatal("repository factory returned nil repository")
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return repo
}

func newScenarioSample(identifier string, sampleType models.SampleType, createdAt time.Time) models.Sample {
	return models.Sample{
		Identifier:   identifier,
		Type:         sampleType,
		ProjectCode:  "GEN",
		EncodedLabel: "data:image/png;base64,AAAA",
		CreatedAt:    createdAt,
	}
}

// RunRepositoryUserLifecycle covers registration, uniqueness and lookup.
func RunRepositoryUserLifecycle(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo := runRepository(t, factory, WithClock(steppingClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))))

	ada, err := repo.CreateUser(ctx, CreateUserParams{Username: " ada ", Email: "Ada@Example.com", FullName: "Ada Lovelace"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if ada.ID == "" {
		t.Fatal("expected generated id")
	}
	if ada.Username != "ada" || ada.Email != "ada@example.com" {
		t.Fatalf("expected normalized user, got %+v", ada)
	}
	if ada.RegisteredAt.IsZero() {
		t.Fatal("expected registeredAt to be set")
	}

	if _, err := repo.CreateUser(ctx, CreateUserParams{Username: "ADA", Email: "other@example.com"}); !errors.Is(err, ErrDuplicateUser) {
		t.Fatalf("expected duplicate username error, got %v", err)
	}
	if _, err := repo.CreateUser(ctx, CreateUserParams{Username: "grace", Email: "ada@example.com"}); !errors.Is(err, ErrDuplicateUser) {
		t.Fatalf("expected duplicate email error, got %v", err)
	}
	if _, err := repo.CreateUser(ctx, CreateUserParams{Username: "", Email: "x@example.com"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid error for missing username, got %v", err)
	}
	if _, err := repo.CreateUser(ctx, CreateUserParams{Username: "nomail", Email: "not-an-email"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid error for bad email, got %v", err)
	}

	grace, err := repo.CreateUser(ctx, CreateUserParams{Username: "grace", Email: "grace@example.com"})
	if err != nil {
		t.Fatalf("create second user: %v", err)
	}

	users, err := repo.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 2 || users[0].ID != ada.ID || users[1].ID != grace.ID {
		t.Fatalf("expected users in registration order, got %+v", users)
	}

	fetched, err := repo.GetUser(ctx, grace.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if fetched.Username != "grace" {
		t.Fatalf("expected grace, got %+v", fetched)
	}
	if _, err := repo.GetUser(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// RunRepositoryPostLifecycle covers post creation, author checks and filters.
func RunRepositoryPostLifecycle(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo := runRepository(t, factory, WithClock(steppingClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))))

	author, err := repo.CreateUser(ctx, CreateUserParams{Username: "field", Email: "field@example.com"})
	if err != nil {
		t.Fatalf("create author: %v", err)
	}

	first, err := repo.CreatePost(ctx, CreatePostParams{AuthorID: author.ID, Title: "Plot survey", Content: "Collected soil cores"})
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	anonymous, err := repo.CreatePost(ctx, CreatePostParams{Title: "Station notice"})
	if err != nil {
		t.Fatalf("create anonymous post: %v", err)
	}
	if _, err := repo.CreatePost(ctx, CreatePostParams{AuthorID: "ghost", Title: "Orphan"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid author error, got %v", err)
	}
	if _, err := repo.CreatePost(ctx, CreatePostParams{Title: "   "}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected invalid title error, got %v", err)
	}

	all, err := repo.ListPosts(ctx, "")
	if err != nil {
		t.Fatalf("list posts: %v", err)
	}
	if len(all) != 2 || all[0].ID != first.ID || all[1].ID != anonymous.ID {
		t.Fatalf("unexpected posts %+v", all)
	}
	byAuthor, err := repo.ListPosts(ctx, author.ID)
	if err != nil {
		t.Fatalf("list posts by author: %v", err)
	}
	if len(byAuthor) != 1 || byAuthor[0].ID != first.ID {
		t.Fatalf("expected one post by author, got %+v", byAuthor)
	}

	fetched, err := repo.GetPost(ctx, first.ID)
	if err != nil {
		t.Fatalf("get post: %v", err)
	}
	if fetched.Title != "Plot survey" || fetched.AuthorID != author.ID {
		t.Fatalf("unexpected post %+v", fetched)
	}
	if _, err := repo.GetPost(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

// RunRepositorySampleIdentifiers covers max identifier lookup and the unique
// identifier constraint.
func RunRepositorySampleIdentifiers(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo := runRepository(t, factory)
	created := time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)

	if _, found, err := repo.FindMaxIdentifier(ctx, "GEN-SOIL-2024"); err != nil || found {
		t.Fatalf("expected empty prefix, found=%v err=%v", found, err)
	}

	for _, id := range []string{
		"GEN-SOIL-2024-001",
		"GEN-SOIL-2024-005",
		"GEN-SOIL-2024-003",
		"GEN-SOIL-2023-009",
		"GEN-PLAN-2024-020",
		"GEN-SOIL-2024-004-B",
	} {
		sampleType := models.SampleTypeSoil
		if id == "GEN-PLAN-2024-020" {
			sampleType = models.SampleTypePlant
		}
		if _, err := repo.InsertSample(ctx, newScenarioSample(id, sampleType, created)); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	latest, found, err := repo.FindMaxIdentifier(ctx, "GEN-SOIL-2024")
	if err != nil || !found {
		t.Fatalf("find max: found=%v err=%v", found, err)
	}
	if latest != "GEN-SOIL-2024-005" {
		t.Fatalf("expected GEN-SOIL-2024-005, got %s", latest)
	}

	if _, err := repo.InsertSample(ctx, newScenarioSample("GEN-SOIL-2024-1000", models.SampleTypeSoil, created)); err != nil {
		t.Fatalf("insert wide sequence: %v", err)
	}
	latest, _, err = repo.FindMaxIdentifier(ctx, "GEN-SOIL-2024")
	if err != nil {
		t.Fatalf("find max after widening: %v", err)
	}
	if latest != "GEN-SOIL-2024-1000" {
		t.Fatalf("expected widened identifier to win, got %s", latest)
	}

	_, err = repo.InsertSample(ctx, newScenarioSample("GEN-SOIL-2024-005", models.SampleTypeSoil, created))
	if !errors.Is(err, ErrDuplicateIdentifier) {
		t.Fatalf("expected duplicate identifier error, got %v", err)
	}
}

// RunRepositorySampleQueries covers sample lookup and list filters.
func RunRepositorySampleQueries(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo := runRepository(t, factory)

	lat, lng := -3.4653, -62.2159
	soil := newScenarioSample("GEN-SOIL-2024-001", models.SampleTypeSoil, time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC))
	soil.Location = &models.Location{Name: "Plot A", Latitude: &lat, Longitude: &lng}
	soil.CollectedBy = "field"
	soil.Attributes = map[string]any{"ph": 6.5, "moisture": "high"}
	water := newScenarioSample("AMZ-WATE-2024-001", models.SampleTypeWater, time.Date(2024, 2, 10, 8, 0, 0, 0, time.UTC))
	water.ProjectCode = "AMZ"
	oldSoil := newScenarioSample("GEN-SOIL-2023-001", models.SampleTypeSoil, time.Date(2023, 11, 1, 8, 0, 0, 0, time.UTC))

	for _, sample := range []models.Sample{soil, water, oldSoil} {
		if _, err := repo.InsertSample(ctx, sample); err != nil {
			t.Fatalf("insert %s: %v", sample.Identifier, err)
		}
	}

	fetched, err := repo.GetSample(ctx, soil.Identifier)
	if err != nil {
		t.Fatalf("get sample: %v", err)
	}
	if fetched.Location == nil || fetched.Location.Name != "Plot A" || fetched.Location.Latitude == nil || *fetched.Location.Latitude != lat {
		t.Fatalf("expected location to round-trip, got %+v", fetched.Location)
	}
	if fetched.Attributes["ph"] != 6.5 {
		t.Fatalf("expected attributes to round-trip, got %+v", fetched.Attributes)
	}
	if !fetched.CreatedAt.Equal(soil.CreatedAt) {
		t.Fatalf("expected createdAt %s, got %s", soil.CreatedAt, fetched.CreatedAt)
	}
	if _, err := repo.GetSample(ctx, "GEN-SOIL-2024-999"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	cases := []struct {
		name   string
		filter SampleFilter
		want   []string
	}{
		{name: "all", filter: SampleFilter{}, want: []string{oldSoil.Identifier, soil.Identifier, water.Identifier}},
		{name: "project", filter: SampleFilter{ProjectCode: "AMZ"}, want: []string{water.Identifier}},
		{name: "type", filter: SampleFilter{Type: models.SampleTypeSoil}, want: []string{oldSoil.Identifier, soil.Identifier}},
		{name: "year", filter: SampleFilter{Year: 2024}, want: []string{soil.Identifier, water.Identifier}},
		{name: "combined", filter: SampleFilter{ProjectCode: "GEN", Type: models.SampleTypeSoil, Year: 2023}, want: []string{oldSoil.Identifier}},
		{name: "limit", filter: SampleFilter{Limit: 1}, want: []string{oldSoil.Identifier}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			samples, err := repo.ListSamples(ctx, tc.filter)
			if err != nil {
				t.Fatalf("list samples: %v", err)
			}
			got := make([]string, 0, len(samples))
			for _, sample := range samples {
				got = append(got, sample.Identifier)
			}
			if fmt.Sprint(got) != fmt.Sprint(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}

	counts, err := repo.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Samples != 3 {
		t.Fatalf("expected 3 samples, got %+v", counts)
	}
}

// RunRepositoryConcurrentInsert races inserts of the same identifier and
// asserts exactly one wins.
func RunRepositoryConcurrentInsert(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo := runRepository(t, factory)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.InsertSample(ctx, newScenarioSample("GEN-INSE-2024-001", models.SampleTypeInsect, time.Now().UTC()))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrDuplicateIdentifier):
				conflicts++
			default:
				t.Errorf("unexpected insert error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || conflicts != workers-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d and %d", workers-1, successes, conflicts)
	}
}

func runRepositoryScenarios(t *testing.T, factory RepositoryFactory) {
	t.Run("UserLifecycle", func(t *testing.T) { RunRepositoryUserLifecycle(t, factory) })
	t.Run("PostLifecycle", func(t *testing.T) { RunRepositoryPostLifecycle(t, factory) })
	t.Run("SampleIdentifiers", func(t *testing.T) { RunRepositorySampleIdentifiers(t, factory) })
	t.Run("SampleQueries", func(t *testing.T) { RunRepositorySampleQueries(t, factory) })
	t.Run("ConcurrentInsert", func(t *testing.T) { RunRepositoryConcurrentInsert(t, factory) })
}

func TestJSONRepositoryScenarios(t *testing.T) {
	runRepositoryScenarios(t, jsonRepositoryFactory)
}
