// Package provision assigns identifiers and labels to new samples and stores
// them.
//
// A provisioning cycle reads the latest identifier under the sample's prefix,
// renders the QR label for the next one and inserts the record. The store's
// unique constraint decides races; a cycle that loses is retried from the
// start a bounded number of times.
package provision

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"fieldlab-api/internal/label"
	"fieldlab-api/internal/models"
	"fieldlab-api/internal/observability/metrics"
	"fieldlab-api/internal/sampleid"
	"fieldlab-api/internal/storage"
)

// DefaultMaxAttempts bounds the generate and insert cycles per request.
const DefaultMaxAttempts = 3

const maxProjectCodeLength = 32

var projectCodePattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

// Store is the part of the repository the service needs.
type Store interface {
	sampleid.SampleIndex
	InsertSample(ctx context.Context, sample models.Sample) (models.Sample, error)
}

// Observer receives provisioning outcomes. metrics.Recorder implements it.
type Observer interface {
	ObserveProvision(outcome string, attempts int)
	IdentifierConflict()
	LabelArchiveFailed()
}

// Payload is the client-supplied part of a sample.
type Payload struct {
	Type        string           `json:"type"`
	ProjectCode string           `json:"projectCode"`
	Location    *models.Location `json:"location,omitempty"`
	CollectedBy string           `json:"collectedBy,omitempty"`
	Notes       string           `json:"notes,omitempty"`
	Attributes  map[string]any   `json:"attributes,omitempty"`
}

// Config wires the service collaborators. Store and Renderer are required.
type Config struct {
	Store    Store
	Renderer label.Renderer
	// Locker serializes cycles per prefix. Nil relies on the store's unique
	// constraint and retries alone.
	Locker      sampleid.Locker
	Archive     storage.LabelArchive
	Observer    Observer
	Clock       func() time.Time
	MaxAttempts int
}

// Service provisions samples.
type Service struct {
	store       Store
	generator   *sampleid.Generator
	renderer    label.Renderer
	locker      sampleid.Locker
	archive     storage.LabelArchive
	observer    Observer
	clock       func() time.Time
	maxAttempts int
}

// NewService validates cfg and fills in defaults.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("sample store is required")
	}
	if cfg.Renderer == nil {
		return nil, fmt.Errorf("label renderer is required")
	}
	svc := &Service{
		store:       cfg.Store,
		generator:   sampleid.NewGenerator(cfg.Store),
		renderer:    cfg.Renderer,
		locker:      cfg.Locker,
		archive:     cfg.Archive,
		observer:    cfg.Observer,
		clock:       cfg.Clock,
		maxAttempts: cfg.MaxAttempts,
	}
	if svc.clock == nil {
		svc.clock = time.Now
	}
	if svc.maxAttempts <= 0 {
		svc.maxAttempts = DefaultMaxAttempts
	}
	if svc.observer == nil {
		svc.observer = nopObserver{}
	}
	return svc, nil
}

// MaxAttempts reports the configured retry bound.
func (s *Service) MaxAttempts() int {
	return s.maxAttempts
}

// Provision validates payload, assigns the next identifier under its prefix,
// renders the label and stores the sample. Errors are *ValidationError,
// *DuplicateIdentifierError, *label.EncodingError or *StoreError.
func (s *Service) Provision(ctx context.Context, payload Payload) (models.Sample, error) {
	draft, err := buildDraft(payload)
	if err != nil {
		s.observer.ObserveProvision(metrics.OutcomeInvalid, 0)
		return models.Sample{}, err
	}

	var lastIdentifier string
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		sample, err := s.cycle(ctx, draft)
		if err == nil {
			s.observer.ObserveProvision(metrics.OutcomeCreated, attempt)
			return sample, nil
		}
		var dup *conflict
		if errors.As(err, &dup) {
			s.observer.IdentifierConflict()
			lastIdentifier = dup.identifier
			continue
		}
		s.observer.ObserveProvision(outcomeFor(err), attempt)
		return models.Sample{}, err
	}

	s.observer.ObserveProvision(metrics.OutcomeConflict, s.maxAttempts)
	return models.Sample{}, &DuplicateIdentifierError{Identifier: lastIdentifier, Attempts: s.maxAttempts}
}

// conflict marks a cycle that lost the race for its identifier.
type conflict struct {
	identifier string
	err        error
}

func (c *conflict) Error() string { return c.err.Error() }
func (c *conflict) Unwrap() error { return c.err }

func (s *Service) cycle(ctx context.Context, draft models.Sample) (models.Sample, error) {
	now := s.clock().UTC()
	prefix := sampleid.Prefix(draft.ProjectCode, string(draft.Type), now.Year())

	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, prefix)
		if err != nil {
			return models.Sample{}, &StoreError{Op: "lock " + prefix, Err: err}
		}
		defer unlock()
	}

	identifier, err := s.generator.Generate(ctx, draft.ProjectCode, string(draft.Type), now.Year())
	if err != nil {
		return models.Sample{}, &StoreError{Op: "generate", Err: err}
	}

	rendered, err := s.renderer.Encode(identifier)
	if err != nil {
		var encErr *label.EncodingError
		if errors.As(err, &encErr) {
			return models.Sample{}, encErr
		}
		return models.Sample{}, &label.EncodingError{Identifier: identifier, Err: err}
	}

	sample := draft.Clone()
	sample.Identifier = identifier
	sample.EncodedLabel = rendered.DataURL
	sample.CreatedAt = now
	sample.LabelURL = s.archiveLabel(ctx, identifier, rendered.PNG)

	stored, err := s.store.InsertSample(ctx, sample)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateIdentifier) {
			return models.Sample{}, &conflict{identifier: identifier, err: err}
		}
		return models.Sample{}, &StoreError{Op: "insert", Err: err}
	}
	return stored, nil
}

// archiveLabel uploads the PNG and returns its public URL. A failed upload
// leaves the sample without a URL; the label can be regenerated from the
// identifier.
func (s *Service) archiveLabel(ctx context.Context, identifier string, png []byte) string {
	if s.archive == nil || !s.archive.Enabled() {
		return ""
	}
	ref, err := s.archive.Upload(ctx, LabelObjectKey(identifier), label.ContentType, png)
	if err != nil {
		s.observer.LabelArchiveFailed()
		return ""
	}
	return ref.URL
}

// LabelObjectKey is the object storage key of a sample's label.
func LabelObjectKey(identifier string) string {
	return "labels/" + identifier + ".png"
}

func buildDraft(payload Payload) (models.Sample, error) {
	if strings.TrimSpace(payload.Type) == "" {
		return models.Sample{}, &ValidationError{Field: "type", Message: "sample type required"}
	}
	sampleType, err := models.ParseSampleType(payload.Type)
	if err != nil {
		return models.Sample{}, &ValidationError{Field: "type", Message: err.Error()}
	}

	projectCode := sampleid.NormalizeProjectCode(payload.ProjectCode)
	if len(projectCode) > maxProjectCodeLength || !projectCodePattern.MatchString(projectCode) {
		return models.Sample{}, &ValidationError{
			Field:   "projectCode",
			Message: fmt.Sprintf("project code must be at most %d letters, digits or underscores", maxProjectCodeLength),
		}
	}

	if err := validateLocation(payload.Location); err != nil {
		return models.Sample{}, err
	}

	draft := models.Sample{
		Type:        sampleType,
		ProjectCode: projectCode,
		Location:    payload.Location,
		CollectedBy: strings.TrimSpace(payload.CollectedBy),
		Notes:       strings.TrimSpace(payload.Notes),
		Attributes:  payload.Attributes,
	}
	return draft.Clone(), nil
}

func validateLocation(location *models.Location) error {
	if location == nil {
		return nil
	}
	if lat := location.Latitude; lat != nil && (math.IsNaN(*lat) || *lat < -90 || *lat > 90) {
		return &ValidationError{Field: "location.latitude", Message: "latitude must be between -90 and 90"}
	}
	if lng := location.Longitude; lng != nil && (math.IsNaN(*lng) || *lng < -180 || *lng > 180) {
		return &ValidationError{Field: "location.longitude", Message: "longitude must be between -180 and 180"}
	}
	return nil
}

func outcomeFor(err error) string {
	var encErr *label.EncodingError
	if errors.As(err, &encErr) {
		return metrics.OutcomeEncodingError
	}
	return metrics.OutcomeStoreError
}

type nopObserver struct{}

func (nopObserver) ObserveProvision(string, int) {}
func (nopObserver) IdentifierConflict()          {}
func (nopObserver) LabelArchiveFailed()          {}
