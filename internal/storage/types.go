package storage

import (
	"errors"
	"time"

	"fieldlab-api/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateIdentifier is returned by InsertSample when another sample
	// already holds the identifier.
	ErrDuplicateIdentifier = errors.New("duplicate sample identifier")
	// ErrDuplicateUser is returned when a username or email is already taken.
	ErrDuplicateUser = errors.New("duplicate user")
	// ErrInvalid wraps input validation failures.
	ErrInvalid = errors.New("invalid input")
)

// CreateUserParams captures the attributes accepted when registering a user.
type CreateUserParams struct {
	Username string
	Email    string
	FullName string
}

// CreatePostParams captures the attributes accepted when creating a post.
type CreatePostParams struct {
	AuthorID string
	Title    string
	Content  string
}

// SampleFilter narrows ListSamples. Zero values match everything.
type SampleFilter struct {
	ProjectCode string
	Type        models.SampleType
	Year        int
	Limit       int
}

func (f SampleFilter) matches(sample models.Sample) bool {
	if f.ProjectCode != "" && sample.ProjectCode != f.ProjectCode {
		return false
	}
	if f.Type != "" && sample.Type != f.Type {
		return false
	}
	if f.Year != 0 && sample.CreatedAt.UTC().Year() != f.Year {
		return false
	}
	return true
}

// yearRange returns the half-open UTC interval covering f.Year.
func (f SampleFilter) yearRange() (time.Time, time.Time) {
	start := time.Date(f.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(1, 0, 0)
}

type dataset struct {
	Users   map[string]models.User   `json:"users"`
	Posts   map[string]models.Post   `json:"posts"`
	Samples map[string]models.Sample `json:"samples"`
}

func newDataset() dataset {
	return dataset{
		Users:   make(map[string]models.User),
		Posts:   make(map[string]models.Post),
		Samples: make(map[string]models.Sample),
	}
}

func (d *dataset) ensureInitialized() {
	if d.Users == nil {
		d.Users = make(map[string]models.User)
	}
	if d.Posts == nil {
		d.Posts = make(map[string]models.Post)
	}
	if d.Samples == nil {
		d.Samples = make(map[string]models.Sample)
	}
}
