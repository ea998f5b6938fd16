package provision

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"fieldlab-api/internal/label"
	"fieldlab-api/internal/models"
	"fieldlab-api/internal/sampleid"
	"fieldlab-api/internal/storage"
)

// fakeStore keeps samples in memory and lets tests inject conflicts.
type fakeStore struct {
	mu        sync.Mutex
	samples   map[string]models.Sample
	inserts   int
	finds     int
	findErr   error
	insertErr error
	// stale makes FindMaxIdentifier ignore stored samples so every cycle
	// regenerates the same identifier.
	stale bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{samples: make(map[string]models.Sample)}
}

func (s *fakeStore) FindMaxIdentifier(_ context.Context, prefix string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	if s.findErr != nil {
		return "", false, s.findErr
	}
	if s.stale {
		return "", false, nil
	}
	var latest string
	for id := range s.samples {
		if sampleid.MatchesPrefix(id, prefix) && (latest == "" || sampleid.Less(latest, id)) {
			latest = id
		}
	}
	return latest, latest != "", nil
}

func (s *fakeStore) InsertSample(_ context.Context, sample models.Sample) (models.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.insertErr != nil {
		return models.Sample{}, s.insertErr
	}
	if _, ok := s.samples[sample.Identifier]; ok {
		return models.Sample{}, fmt.Errorf("insert %s: %w", sample.Identifier, storage.ErrDuplicateIdentifier)
	}
	s.samples[sample.Identifier] = sample.Clone()
	return sample.Clone(), nil
}

func (s *fakeStore) seed(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.samples[id] = models.Sample{Identifier: id, Type: models.SampleTypeSoil}
	}
}

func (s *fakeStore) counts() (finds, inserts int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finds, s.inserts
}

type failingRenderer struct{ err error }

func (r failingRenderer) Encode(string) (label.Label, error) {
	return label.Label{}, r.err
}

type countingObserver struct {
	mu              sync.Mutex
	outcomes        map[string]int
	conflicts       int
	archiveFailures int
	lastAttempts    int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{outcomes: make(map[string]int)}
}

func (o *countingObserver) ObserveProvision(outcome string, attempts int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
	o.lastAttempts = attempts
}

func (o *countingObserver) IdentifierConflict() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conflicts++
}

func (o *countingObserver) LabelArchiveFailed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.archiveFailures++
}

type memoryArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
}

func (a *memoryArchive) Enabled() bool { return true }

func (a *memoryArchive) Upload(_ context.Context, key, _ string, body []byte) (storage.ObjectReference, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return storage.ObjectReference{}, errors.New("bucket unavailable")
	}
	if a.objects == nil {
		a.objects = make(map[string][]byte)
	}
	a.objects[key] = append([]byte(nil), body...)
	return storage.ObjectReference{Key: key, URL: "https://labels.example.com/" + key}, nil
}

func (a *memoryArchive) Delete(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.objects, key)
	return nil
}
