package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fieldlab-api/internal/models"
	"fieldlab-api/internal/sampleid"
)

// Storage is a single-file JSON datastore. Every write rewrites the file
// atomically so a crash never leaves a partially written dataset behind.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	clock    func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewStorage opens (or creates) the JSON datastore at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewJSONRepository opens the JSON-backed datastore and returns it as a
// Repository.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	s.data.ensureInitialized()
	return nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Ping reports whether the data directory is still reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Dir(s.filePath)); err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	return nil
}

// Close is a no-op; every write is already flushed to disk.
func (s *Storage) Close(context.Context) error {
	return nil
}

// User operations

func (s *Storage) CreateUser(ctx context.Context, params CreateUserParams) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, err
	}
	normalized, err := normalizeUserParams(params)
	if err != nil {
		return models.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, user := range s.data.Users {
		if strings.EqualFold(user.Username, normalized.Username) {
			return models.User{}, fmt.Errorf("%w: username %s already in use", ErrDuplicateUser, normalized.Username)
		}
		if user.Email == normalized.Email {
			return models.User{}, fmt.Errorf("%w: email %s already in use", ErrDuplicateUser, normalized.Email)
		}
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
		RegisteredAt: s.clock().UTC(),
	}

	s.data.Users[id] = user
	if err := s.persist(); err != nil {
		delete(s.data.Users, id)
		return models.User{}, err
	}
	return user, nil
}

func (s *Storage) ListUsers(ctx context.Context) ([]models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]models.User, 0, len(s.data.Users))
	for _, user := range s.data.Users {
		users = append(users, user)
	}
	sortUsers(users)
	return users, nil
}

func (s *Storage) GetUser(ctx context.Context, id string) (models.User, error) {
	if err := ctx.Err(); err != nil {
		return models.User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.data.Users[id]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return user, nil
}

// Post operations

func (s *Storage) CreatePost(ctx context.Context, params CreatePostParams) (models.Post, error) {
	if err := ctx.Err(); err != nil {
		return models.Post{}, err
	}
	normalized, err := normalizePostParams(params)
	if err != nil {
		return models.Post{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if normalized.AuthorID != "" {
		if _, ok := s.data.Users[normalized.AuthorID]; !ok {
			return models.Post{}, fmt.Errorf("%w: author %s does not exist", ErrInvalid, normalized.AuthorID)
		}
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
		CreatedAt: s.clock().UTC(),
	}

	s.data.Posts[id] = post
	if err := s.persist(); err != nil {
		delete(s.data.Posts, id)
		return models.Post{}, err
	}
	return post, nil
}

func (s *Storage) ListPosts(ctx context.Context, authorID string) ([]models.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	authorID = strings.TrimSpace(authorID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	posts := make([]models.Post, 0, len(s.data.Posts))
	for _, post := range s.data.Posts {
		if authorID != "" && post.AuthorID != authorID {
			continue
		}
		posts = append(posts, post)
	}
	sortPosts(posts)
	return posts, nil
}

func (s *Storage) GetPost(ctx context.Context, id string) (models.Post, error) {
	if err := ctx.Err(); err != nil {
		return models.Post{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	post, ok := s.data.Posts[id]
	if !ok {
		return models.Post{}, fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	return post, nil
}

// Sample operations

func (s *Storage) FindMaxIdentifier(ctx context.Context, prefix string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best string
	found := false
	for identifier := range s.data.Samples {
		if !sampleid.MatchesPrefix(identifier, prefix) {
			continue
		}
		if !found || sampleid.Less(best, identifier) {
			best = identifier
			found = true
		}
	}
	return best, found, nil
}

func (s *Storage) InsertSample(ctx context.Context, sample models.Sample) (models.Sample, error) {
	if err := ctx.Err(); err != nil {
		return models.Sample{}, err
	}
	if err := validateSample(sample); err != nil {
		return models.Sample{}, err
	}
	stored := sample.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.clock()
	}
	stored.CreatedAt = stored.CreatedAt.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data.Samples[stored.Identifier]; exists {
		return models.Sample{}, fmt.Errorf("insert sample %s: %w", stored.Identifier, ErrDuplicateIdentifier)
	}
	s.data.Samples[stored.Identifier] = stored
	if err := s.persist(); err != nil {
		delete(s.data.Samples, stored.Identifier)
		return models.Sample{}, err
	}
	return stored.Clone(), nil
}

func (s *Storage) GetSample(ctx context.Context, identifier string) (models.Sample, error) {
	if err := ctx.Err(); err != nil {
		return models.Sample{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sample, ok := s.data.Samples[identifier]
	if !ok {
		return models.Sample{}, fmt.Errorf("sample %s: %w", identifier, ErrNotFound)
	}
	return sample.Clone(), nil
}

func (s *Storage) ListSamples(ctx context.Context, filter SampleFilter) ([]models.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	samples := make([]models.Sample, 0, len(s.data.Samples))
	for _, sample := range s.data.Samples {
		if filter.matches(sample) {
			samples = append(samples, sample.Clone())
		}
	}
	sortSamples(samples)
	if filter.Limit > 0 && len(samples) > filter.Limit {
		samples = samples[:filter.Limit]
	}
	return samples, nil
}

func (s *Storage) Counts(ctx context.Context) (SnapshotCounts, error) {
	if err := ctx.Err(); err != nil {
		return SnapshotCounts{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SnapshotCounts{
		Users:   len(s.data.Users),
		Posts:   len(s.data.Posts),
		Samples: len(s.data.Samples),
	}, nil
}

// Snapshot returns a deep copy of the dataset.
func (s *Storage) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := &Snapshot{
		Users:   make(map[string]models.User, len(s.data.Users)),
		Posts:   make(map[string]models.Post, len(s.data.Posts)),
		Samples: make(map[string]models.Sample, len(s.data.Samples)),
	}
	for id, user := range s.data.Users {
		snapshot.Users[id] = user
	}
	for id, post := range s.data.Posts {
		snapshot.Posts[id] = post
	}
	for id, sample := range s.data.Samples {
		snapshot.Samples[id] = sample.Clone()
	}
	return snapshot
}
