package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"fieldlab-api/internal/models"
)

// Snapshot is a JSON-serialisable view of every collection, keyed by primary
// identifier. The JSON datastore file has the same shape, so a store file can
// be loaded directly as a snapshot.
type Snapshot struct {
	Users   map[string]models.User   `json:"users"`
	Posts   map[string]models.Post   `json:"posts"`
	Samples map[string]models.Sample `json:"samples"`
}

// SnapshotCounts summarises the size of each collection.
type SnapshotCounts struct {
	Users   int
	Posts   int
	Samples int
}

// LoadSnapshotFromJSON reads a snapshot or JSON datastore file from disk.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %s: %w", path, err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var snapshot Snapshot
	if err := decoder.Decode(&snapshot); err != nil {
		if err == io.EOF {
			snapshot.ensureInitialized()
			return &snapshot, nil
		}
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	snapshot.ensureInitialized()
	return &snapshot, nil
}

func (s *Snapshot) ensureInitialized() {
	if s.Users == nil {
		s.Users = make(map[string]models.User)
	}
	if s.Posts == nil {
		s.Posts = make(map[string]models.Post)
	}
	if s.Samples == nil {
		s.Samples = make(map[string]models.Sample)
	}
}

// Counts returns how many records of each kind the snapshot holds.
func (s *Snapshot) Counts() SnapshotCounts {
	if s == nil {
		return SnapshotCounts{}
	}
	return SnapshotCounts{
		Users:   len(s.Users),
		Posts:   len(s.Posts),
		Samples: len(s.Samples),
	}
}

func (s *Snapshot) sortedUserIDs() []string {
	return sortedKeys(s.Users)
}

func (s *Snapshot) sortedPostIDs() []string {
	return sortedKeys(s.Posts)
}

func (s *Snapshot) sortedSampleIDs() []string {
	return sortedKeys(s.Samples)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

type snapshotImporter interface {
	importSnapshot(ctx context.Context, snapshot *Snapshot) error
}

// ImportSnapshot bulk-loads snapshot into repo. Records that already exist in
// the target are left untouched so the import can be re-run safely.
func ImportSnapshot(ctx context.Context, repo Repository, snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is required")
	}
	importer, ok := repo.(snapshotImporter)
	if !ok {
		return fmt.Errorf("repository %T does not support snapshot import", repo)
	}
	snapshot.ensureInitialized()
	return importer.importSnapshot(ctx, snapshot)
}

func (s *Storage) importSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := newDataset()
	for id, user := range s.data.Users {
		next.Users[id] = user
	}
	for id, post := range s.data.Posts {
		next.Posts[id] = post
	}
	for id, sample := range s.data.Samples {
		next.Samples[id] = sample
	}
	for _, id := range snapshot.sortedUserIDs() {
		if _, exists := next.Users[id]; !exists {
			next.Users[id] = snapshot.Users[id]
		}
	}
	for _, id := range snapshot.sortedPostIDs() {
		if _, exists := next.Posts[id]; !exists {
			next.Posts[id] = snapshot.Posts[id]
		}
	}
	for _, id := range snapshot.sortedSampleIDs() {
		if _, exists := next.Samples[id]; !exists {
			next.Samples[id] = snapshot.Samples[id].Clone()
		}
	}
	if err := s.persistDataset(next); err != nil {
		return err
	}
	s.data = next
	return nil
}
