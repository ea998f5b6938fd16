package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldlab-api/internal/models"
	"fieldlab-api/internal/sampleid"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	insertSampleSQL = `INSERT INTO samples (identifier, sample_type, project_code, encoded_label, label_url, location, collected_by, notes, attributes, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	selectSampleColumns = `identifier, sample_type, project_code, encoded_label, label_url, location, collected_by, notes, attributes, created_at`
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a Postgres-backed repository and applies the
// embedded schema migrations.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	repo := &postgresRepository{pool: pool, cfg: cfg}

	migrateCtx, cancel := repo.operationContext(ctx)
	defer cancel()
	if err := ApplyPostgresMigrations(migrateCtx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// operationContext applies the configured acquire timeout to a single call.
func (r *postgresRepository) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.AcquireTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.AcquireTimeout)
	}
	return context.WithCancel(ctx)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// User operations

func (r *postgresRepository) CreateUser(ctx context.Context, params CreateUserParams) (models.User, error) {
	normalized, err := normalizeUserParams(params)
	if err != nil {
		return models.User{}, err
	}
	id, err := generateID()
	if err != nil {
		return models.User{}, err
	}
	user := models.User{
		ID:           id,
		Username:     normalized.Username,
		Email:        normalized.Email,
		FullName:     normalized.FullName,
		RegisteredAt: r.cfg.Clock().UTC().Truncate(time.Microsecond),
	}

	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	_, err = r.pool.Exec(ctx,
		"INSERT INTO users (id, username, email, full_name, registered_at) VALUES ($1, $2, $3, $4, $5)",
		user.ID, user.Username, user.Email, user.FullName, user.RegisteredAt,
	)
	if err != nil {
		if isPgError(err, pgUniqueViolation) {
			return models.User{}, fmt.Errorf("%w: username or email already in use", ErrDuplicateUser)
		}
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) ListUsers(ctx context.Context) ([]models.User, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, "SELECT id, username, email, full_name, registered_at FROM users ORDER BY registered_at, id")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users, err := pgx.CollectRows(rows, scanUser)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (r *postgresRepository) GetUser(ctx context.Context, id string) (models.User, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, "SELECT id, username, email, full_name, registered_at FROM users WHERE id = $1", id)
	if err != nil {
		return models.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	user, err := pgx.CollectExactlyOneRow(rows, scanUser)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return user, nil
}

func scanUser(row pgx.CollectableRow) (models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.FullName, &user.RegisteredAt)
	user.RegisteredAt = user.RegisteredAt.UTC()
	return user, err
}

// Post operations

func (r *postgresRepository) CreatePost(ctx context.Context, params CreatePostParams) (models.Post, error) {
	normalized, err := normalizePostParams(params)
	if err != nil {
		return models.Post{}, err
	}
	id, err := generateID()
	if err != nil {
		return models.Post{}, err
	}
	post := models.Post{
		ID:        id,
		AuthorID:  normalized.AuthorID,
		Title:     normalized.Title,
		Content:   normalized.Content,
		CreatedAt: r.cfg.Clock().UTC().Truncate(time.Microsecond),
	}

	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	_, err = r.pool.Exec(ctx,
		"INSERT INTO posts (id, author_id, title, content, created_at) VALUES ($1, $2, $3, $4, $5)",
		post.ID, nullableText(post.AuthorID), post.Title, post.Content, post.CreatedAt,
	)
	if err != nil {
		if isPgError(err, pgForeignKeyViolation) {
			return models.Post{}, fmt.Errorf("%w: author %s does not exist", ErrInvalid, post.AuthorID)
		}
		return models.Post{}, fmt.Errorf("insert post: %w", err)
	}
	return post, nil
}

func (r *postgresRepository) ListPosts(ctx context.Context, authorID string) ([]models.Post, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	query := "SELECT id, author_id, title, content, created_at FROM posts"
	var args []any
	if trimmed := strings.TrimSpace(authorID); trimmed != "" {
		query += " WHERE author_id = $1"
		args = append(args, trimmed)
	}
	query += " ORDER BY created_at, id"
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	posts, err := pgx.CollectRows(rows, scanPost)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return posts, nil
}

func (r *postgresRepository) GetPost(ctx context.Context, id string) (models.Post, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, "SELECT id, author_id, title, content, created_at FROM posts WHERE id = $1", id)
	if err != nil {
		return models.Post{}, fmt.Errorf("get post %s: %w", id, err)
	}
	post, err := pgx.CollectExactlyOneRow(rows, scanPost)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Post{}, fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Post{}, fmt.Errorf("get post %s: %w", id, err)
	}
	return post, nil
}

func scanPost(row pgx.CollectableRow) (models.Post, error) {
	var post models.Post
	var authorID *string
	if err := row.Scan(&post.ID, &authorID, &post.Title, &post.Content, &post.CreatedAt); err != nil {
		return models.Post{}, err
	}
	if authorID != nil {
		post.AuthorID = *authorID
	}
	post.CreatedAt = post.CreatedAt.UTC()
	return post, nil
}

// Sample operations

func (r *postgresRepository) FindMaxIdentifier(ctx context.Context, prefix string) (string, bool, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	var identifier string
	err := r.pool.QueryRow(ctx,
		`SELECT identifier FROM samples
WHERE identifier LIKE $1 AND identifier ~ $2
ORDER BY length(identifier) DESC, identifier DESC
LIMIT 1`,
		escapeLike(prefix)+"-%", sampleid.Pattern(prefix),
	).Scan(&identifier)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find max identifier: %w", err)
	}
	return identifier, true, nil
}

func (r *postgresRepository) InsertSample(ctx context.Context, sample models.Sample) (models.Sample, error) {
	if err := validateSample(sample); err != nil {
		return models.Sample{}, err
	}
	stored := sample.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.cfg.Clock()
	}
	stored.CreatedAt = stored.CreatedAt.UTC().Truncate(time.Microsecond)

	args, err := sampleInsertArgs(stored)
	if err != nil {
		return models.Sample{}, err
	}
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	if _, err := r.pool.Exec(ctx, insertSampleSQL, args...); err != nil {
		if isPgError(err, pgUniqueViolation) {
			return models.Sample{}, fmt.Errorf("insert sample %s: %w", stored.Identifier, ErrDuplicateIdentifier)
		}
		return models.Sample{}, fmt.Errorf("insert sample %s: %w", stored.Identifier, err)
	}
	return stored, nil
}

func (r *postgresRepository) GetSample(ctx context.Context, identifier string) (models.Sample, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, "SELECT "+selectSampleColumns+" FROM samples WHERE identifier = $1", identifier)
	if err != nil {
		return models.Sample{}, fmt.Errorf("get sample %s: %w", identifier, err)
	}
	sample, err := pgx.CollectExactlyOneRow(rows, scanSample)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Sample{}, fmt.Errorf("sample %s: %w", identifier, ErrNotFound)
	}
	if err != nil {
		return models.Sample{}, fmt.Errorf("get sample %s: %w", identifier, err)
	}
	return sample, nil
}

func (r *postgresRepository) ListSamples(ctx context.Context, filter SampleFilter) ([]models.Sample, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.ProjectCode != "" {
		args = append(args, filter.ProjectCode)
		clauses = append(clauses, fmt.Sprintf("project_code = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		clauses = append(clauses, fmt.Sprintf("sample_type = $%d", len(args)))
	}
	if filter.Year != 0 {
		start, end := filter.yearRange()
		args = append(args, start, end)
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d AND created_at < $%d", len(args)-1, len(args)))
	}
	query := "SELECT " + selectSampleColumns + " FROM samples"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, length(identifier), identifier"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	samples, err := pgx.CollectRows(rows, scanSample)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	return samples, nil
}

func (r *postgresRepository) Counts(ctx context.Context) (SnapshotCounts, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	var counts SnapshotCounts
	err := r.pool.QueryRow(ctx,
		"SELECT (SELECT COUNT(*) FROM users), (SELECT COUNT(*) FROM posts), (SELECT COUNT(*) FROM samples)",
	).Scan(&counts.Users, &counts.Posts, &counts.Samples)
	if err != nil {
		return SnapshotCounts{}, fmt.Errorf("count records: %w", err)
	}
	return counts, nil
}

func sampleInsertArgs(sample models.Sample) ([]any, error) {
	location, err := marshalJSONB(sample.Location, sample.Location == nil)
	if err != nil {
		return nil, fmt.Errorf("encode sample location: %w", err)
	}
	attributes, err := marshalJSONB(sample.Attributes, len(sample.Attributes) == 0)
	if err != nil {
		return nil, fmt.Errorf("encode sample attributes: %w", err)
	}
	createdAt := sample.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return []any{
		sample.Identifier,
		string(sample.Type),
		sample.ProjectCode,
		sample.EncodedLabel,
		sample.LabelURL,
		location,
		sample.CollectedBy,
		sample.Notes,
		attributes,
		createdAt.UTC(),
	}, nil
}

func scanSample(row pgx.CollectableRow) (models.Sample, error) {
	var (
		sample     models.Sample
		sampleType string
		location   []byte
		attributes []byte
	)
	if err := row.Scan(
		&sample.Identifier,
		&sampleType,
		&sample.ProjectCode,
		&sample.EncodedLabel,
		&sample.LabelURL,
		&location,
		&sample.CollectedBy,
		&sample.Notes,
		&attributes,
		&sample.CreatedAt,
	); err != nil {
		return models.Sample{}, err
	}
	sample.Type = models.SampleType(sampleType)
	sample.CreatedAt = sample.CreatedAt.UTC()
	if len(location) > 0 {
		var loc models.Location
		if err := json.Unmarshal(location, &loc); err != nil {
			return models.Sample{}, fmt.Errorf("decode sample location: %w", err)
		}
		sample.Location = &loc
	}
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &sample.Attributes); err != nil {
			return models.Sample{}, fmt.Errorf("decode sample attributes: %w", err)
		}
	}
	return sample, nil
}

func marshalJSONB(value any, empty bool) ([]byte, error) {
	if empty {
		return nil, nil
	}
	return json.Marshal(value)
}

func nullableText(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
