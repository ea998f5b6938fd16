package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// ApplyPostgresMigrations runs every embedded migration in name order. The
// statements are idempotent.
func ApplyPostgresMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		data, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		for _, stmt := range splitSQLStatements(string(data)) {
			if _, err := pool.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
			}
		}
	}
	return nil
}

func splitSQLStatements(script string) []string {
	parts := strings.Split(script, ";")
	statements := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func (r *postgresRepository) importSnapshot(ctx context.Context, snapshot *Snapshot) error {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	for _, key := range snapshot.sortedUserIDs() {
		user := snapshot.Users[key]
		id := strings.TrimSpace(user.ID)
		if id == "" {
			id = key
		}
		registered := user.RegisteredAt
		if registered.IsZero() {
			registered = r.cfg.Clock()
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO users (id, username, email, full_name, registered_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING",
			id, strings.TrimSpace(user.Username), strings.ToLower(strings.TrimSpace(user.Email)), user.FullName, registered.UTC(),
		); err != nil {
			return fmt.Errorf("insert user %s: %w", id, err)
		}
	}

	for _, key := range snapshot.sortedPostIDs() {
		post := snapshot.Posts[key]
		id := strings.TrimSpace(post.ID)
		if id == "" {
			id = key
		}
		created := post.CreatedAt
		if created.IsZero() {
			created = r.cfg.Clock()
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO posts (id, author_id, title, content, created_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING",
			id, nullableText(post.AuthorID), post.Title, post.Content, created.UTC(),
		); err != nil {
			return fmt.Errorf("insert post %s: %w", id, err)
		}
	}

	for _, key := range snapshot.sortedSampleIDs() {
		sample := snapshot.Samples[key]
		if strings.TrimSpace(sample.Identifier) == "" {
			sample.Identifier = key
		}
		args, err := sampleInsertArgs(sample)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insertSampleSQL+" ON CONFLICT DO NOTHING", args...); err != nil {
			return fmt.Errorf("insert sample %s: %w", sample.Identifier, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot import: %w", err)
	}
	return nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}
