// Command migrate-json copies a JSON datastore into Postgres or MongoDB.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"fieldlab-api/internal/observability/logging"
	"fieldlab-api/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/store.json", "path to the JSON datastore to migrate")
	target := flag.String("target", "", "destination datastore (postgres or mongo)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	mongoURI := flag.String("mongo-uri", "", "MongoDB connection string")
	mongoDatabase := flag.String("mongo-database", "", "MongoDB database name")
	flag.Parse()

	logger := logging.New(logging.Config{Level: "info", Format: string(logging.FormatText), Writer: os.Stdout})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := firstNonEmpty(*postgresDSN, os.Getenv("FIELDLAB_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	uri := firstNonEmpty(*mongoURI, os.Getenv("FIELDLAB_MONGO_URI"), os.Getenv("MONGODB_URI"))
	driver, err := resolveTarget(*target, dsn, uri)
	if err != nil {
		logger.Error("no migration target", "error", err, "hint", "set --target with --postgres-dsn or --mongo-uri")
		os.Exit(1)
	}

	snapshot, err := storage.LoadSnapshotFromJSON(*jsonPath)
	if err != nil {
		logger.Error("failed to load JSON snapshot", "error", err)
		os.Exit(1)
	}
	counts := snapshot.Counts()
	logger.Info("loaded JSON snapshot", "path", *jsonPath, "users", counts.Users, "posts", counts.Posts, "samples", counts.Samples)

	var repo storage.Repository
	switch driver {
	case "postgres":
		repo, err = storage.NewPostgresRepository(ctx, dsn, storage.WithPostgresApplicationName("fieldlab-migrate-json"))
	case "mongo":
		var opts []storage.Option
		if database := firstNonEmpty(*mongoDatabase, os.Getenv("FIELDLAB_MONGO_DATABASE")); database != "" {
			opts = append(opts, storage.WithMongoDatabase(database))
		}
		repo, err = storage.NewMongoRepository(ctx, uri, opts...)
	}
	if err != nil {
		logger.Error("failed to open target repository", "target", driver, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := repo.Close(context.Background()); err != nil {
			logger.Warn("failed to close target repository", "error", err)
		}
	}()

	if err := storage.ImportSnapshot(ctx, repo, snapshot); err != nil {
		logger.Error("failed to import snapshot", "error", err)
		os.Exit(1)
	}

	stored, err := repo.Counts(ctx)
	if err != nil {
		logger.Error("failed to count target records", "error", err)
		os.Exit(1)
	}
	if err := verifyCounts(counts, stored); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migration completed", "target", driver, "users", stored.Users, "posts", stored.Posts, "samples", stored.Samples)
}

// resolveTarget picks the destination. Without an explicit target a Postgres
// DSN wins over a Mongo URI.
func resolveTarget(flagValue, dsn, uri string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(flagValue)) {
	case "postgres":
		if dsn == "" {
			return "", fmt.Errorf("postgres target selected without DSN")
		}
		return "postgres", nil
	case "mongo":
		if uri == "" {
			return "", fmt.Errorf("mongo target selected without URI")
		}
		return "mongo", nil
	case "":
	default:
		return "", fmt.Errorf("unsupported target %q", flagValue)
	}
	if dsn != "" {
		return "postgres", nil
	}
	if uri != "" {
		return "mongo", nil
	}
	return "", fmt.Errorf("postgres DSN or mongo URI required")
}

// verifyCounts checks that every snapshot record reached the target. The
// target may already hold other records, so counts are lower bounds.
func verifyCounts(want, got storage.SnapshotCounts) error {
	checks := []struct {
		name      string
		want, got int
	}{
		{"users", want.Users, got.Users},
		{"posts", want.Posts, got.Posts},
		{"samples", want.Samples, got.Samples},
	}
	for _, check := range checks {
		if check.got < check.want {
			return fmt.Errorf("mismatch for %s: expected at least %d, got %d", check.name, check.want, check.got)
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
