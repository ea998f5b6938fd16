package models

import (
	"fmt"
	"strings"
	"time"
)

// SampleType enumerates the kinds of field samples the registry accepts.
type SampleType string

const (
	SampleTypeSoil   SampleType = "Soil"
	SampleTypePlant  SampleType = "Plant"
	SampleTypeWater  SampleType = "Water"
	SampleTypeInsect SampleType = "Insect"
)

// DefaultProjectCode is applied when a sample is submitted without a project.
const DefaultProjectCode = "GEN"

var sampleTypes = []SampleType{SampleTypeSoil, SampleTypePlant, SampleTypeWater, SampleTypeInsect}

// SampleTypes returns the accepted sample types in their canonical spelling.
func SampleTypes() []SampleType {
	return append([]SampleType(nil), sampleTypes...)
}

// ParseSampleType matches the input against the known sample types ignoring
// case and surrounding whitespace.
func ParseSampleType(raw string) (SampleType, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("sample type required")
	}
	for _, candidate := range sampleTypes {
		if strings.EqualFold(string(candidate), trimmed) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("unsupported sample type %q", trimmed)
}

// Valid reports whether t is one of the canonical sample types.
func (t SampleType) Valid() bool {
	for _, candidate := range sampleTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// Location describes where a sample was collected.
type Location struct {
	Name      string   `json:"name,omitempty" bson:"name,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty" bson:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty" bson:"longitude,omitempty"`
}

// Sample is a physical field sample registered under a generated identifier.
// Identifier and EncodedLabel are assigned by the server; the remaining
// descriptive fields are stored as submitted.
type Sample struct {
	Identifier   string         `json:"identifier" bson:"identifier"`
	Type         SampleType     `json:"type" bson:"type"`
	ProjectCode  string         `json:"projectCode" bson:"projectCode"`
	EncodedLabel string         `json:"encodedLabel" bson:"encodedLabel"`
	LabelURL     string         `json:"labelUrl,omitempty" bson:"labelUrl,omitempty"`
	Location     *Location      `json:"location,omitempty" bson:"location,omitempty"`
	CollectedBy  string         `json:"collectedBy,omitempty" bson:"collectedBy,omitempty"`
	Notes        string         `json:"notes,omitempty" bson:"notes,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty" bson:"attributes,omitempty"`
	CreatedAt    time.Time      `json:"createdAt" bson:"createdAt"`
}

// Clone returns a deep copy of the sample so callers cannot mutate stored state.
func (s Sample) Clone() Sample {
	clone := s
	if s.Location != nil {
		location := *s.Location
		if s.Location.Latitude != nil {
			lat := *s.Location.Latitude
			location.Latitude = &lat
		}
		if s.Location.Longitude != nil {
			lng := *s.Location.Longitude
			location.Longitude = &lng
		}
		clone.Location = &location
	}
	if s.Attributes != nil {
		clone.Attributes = make(map[string]any, len(s.Attributes))
		for key, value := range s.Attributes {
			clone.Attributes[key] = value
		}
	}
	return clone
}

// User is a registered account of the field lab.
type User struct {
	ID           string    `json:"id" bson:"_id"`
	Username     string    `json:"username" bson:"username"`
	Email        string    `json:"email" bson:"email"`
	FullName     string    `json:"fullName,omitempty" bson:"fullName,omitempty"`
	RegisteredAt time.Time `json:"registeredAt" bson:"registeredAt"`
}

// Post is a short text entry, optionally attributed to a user.
type Post struct {
	ID        string    `json:"id" bson:"_id"`
	AuthorID  string    `json:"authorId,omitempty" bson:"authorId,omitempty"`
	Title     string    `json:"title" bson:"title"`
	Content   string    `json:"content,omitempty" bson:"content,omitempty"`
	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
}
