package storage

import (
	"context"

	"fieldlab-api/internal/models"
)

// Repository exposes the datastore operations required by the API handlers and
// the sample provisioning service.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateUser(ctx context.Context, params CreateUserParams) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	GetUser(ctx context.Context, id string) (models.User, error)

	CreatePost(ctx context.Context, params CreatePostParams) (models.Post, error)
	ListPosts(ctx context.Context, authorID string) ([]models.Post, error)
	GetPost(ctx context.Context, id string) (models.Post, error)

	// FindMaxIdentifier returns the greatest identifier under prefix, ordered
	// by sampleid.Less. The boolean is false when the prefix is unused.
	FindMaxIdentifier(ctx context.Context, prefix string) (string, bool, error)
	// InsertSample stores sample and fails with ErrDuplicateIdentifier when
	// the identifier is already taken.
	InsertSample(ctx context.Context, sample models.Sample) (models.Sample, error)
	GetSample(ctx context.Context, identifier string) (models.Sample, error)
	ListSamples(ctx context.Context, filter SampleFilter) ([]models.Sample, error)

	// Counts reports how many records each collection holds.
	Counts(ctx context.Context) (SnapshotCounts, error)
}

var (
	_ Repository = (*Storage)(nil)
	_ Repository = (*postgresRepository)(nil)
	_ Repository = (*mongoRepository)(nil)
)
