package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldlab-api/internal/models"
	"fieldlab-api/internal/sampleid"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

type mongoRepository struct {
	client  *mongo.Client
	db      *mongo.Database
	users   *mongo.Collection
	posts   *mongo.Collection
	samples *mongo.Collection
	cfg     MongoConfig
}

// NewMongoRepository connects to MongoDB and ensures the unique indexes the
// repository relies on exist.
func NewMongoRepository(ctx context.Context, uri string, opts ...Option) (Repository, error) {
	cfg := newMongoConfig(uri, opts...)
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, fmt.Errorf("mongo uri required")
	}

	clientOpts := options.Client().
		ApplyURI(cfg.URI).
		SetAppName(cfg.AppName).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	if cfg.MaxPoolSize > 0 {
		clientOpts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(cfg.Database)
	repo := &mongoRepository{
		client:  client,
		db:      db,
		users:   db.Collection(mongoUsersCollection),
		posts:   db.Collection(mongoPostsCollection),
		samples: db.Collection(mongoSamplesCollection),
		cfg:     cfg,
	}
	if err := repo.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return repo, nil
}

func (r *mongoRepository) ensureIndexes(ctx context.Context) error {
	caseInsensitive := &options.Collation{Locale: "en", Strength: 2}
	if _, err := r.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetName("users_username_unique").SetUnique(true).SetCollation(caseInsensitive)},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetName("users_email_unique").SetUnique(true)},
	}); err != nil {
		return fmt.Errorf("create user indexes: %w", err)
	}
	if _, err := r.posts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "authorId", Value: 1}, {Key: "createdAt", Value: 1}},
		Options: options.Index().SetName("posts_author_idx"),
	}); err != nil {
		return fmt.Errorf("create post indexes: %w", err)
	}
	if _, err := r.samples.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "identifier", Value: 1}}, Options: options.Index().SetName("samples_identifier_unique").SetUnique(true)},
		{Keys: bson.D{{Key: "projectCode", Value: 1}, {Key: "type", Value: 1}, {Key: "createdAt", Value: 1}}, Options: options.Index().SetName("samples_listing_idx")},
	}); err != nil {
		return fmt.Errorf("create sample indexes: %w", err)
	}
	return nil
}

func (r *mongoRepository) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.OperationTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.OperationTimeout)
	}
	return context.WithCancel(ctx)
}

func (r *mongoRepository) now() time.Time {
	return r.cfg.Clock().UTC().Truncate(time.Millisecond)
}

func (r *mongoRepository) Ping(ctx context.Context) error {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	return r.client.Ping(ctx, readpref.Primary())
}

func (r *mongoRepository) Close(ctx context.Context) error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Disconnect(ctx)
}

// User operations

func (r *mongoRepository) CreateUser(ctx context.Context, params CreateUserParams) (models.User, error) {
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
		RegisteredAt: r.now(),
	}
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	if _, err := r.users.InsertOne(ctx, user); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.User{}, fmt.Errorf("%w: username or email already in use", ErrDuplicateUser)
		}
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (r *mongoRepository) ListUsers(ctx context.Context) ([]models.User, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	cursor, err := r.users.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "registeredAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := make([]models.User, 0)
	if err := cursor.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	for i := range users {
		users[i].RegisteredAt = users[i].RegisteredAt.UTC()
	}
	return users, nil
}

func (r *mongoRepository) GetUser(ctx context.Context, id string) (models.User, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	var user models.User
	err := r.users.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.User{}, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	user.RegisteredAt = user.RegisteredAt.UTC()
	return user, nil
}

// Post operations

func (r *mongoRepository) CreatePost(ctx context.Context, params CreatePostParams) (models.Post, error) {
	normalized, err := normalizePostParams(params)
	if err != nil {
		return models.Post{}, err
	}
	ctx, cancel := r.operationContext(ctx)
	defer cancel()

	if normalized.AuthorID != "" {
		count, err := r.users.CountDocuments(ctx, bson.D{{Key: "_id", Value: normalized.AuthorID}}, options.Count().SetLimit(1))
		if err != nil {
			return models.Post{}, fmt.Errorf("check post author: %w", err)
		}
		if count == 0 {
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
		CreatedAt: r.now(),
	}
	if _, err := r.posts.InsertOne(ctx, post); err != nil {
		return models.Post{}, fmt.Errorf("insert post: %w", err)
	}
	return post, nil
}

func (r *mongoRepository) ListPosts(ctx context.Context, authorID string) ([]models.Post, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	filter := bson.D{}
	if trimmed := strings.TrimSpace(authorID); trimmed != "" {
		filter = bson.D{{Key: "authorId", Value: trimmed}}
	}
	cursor, err := r.posts.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	posts := make([]models.Post, 0)
	if err := cursor.All(ctx, &posts); err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	for i := range posts {
		posts[i].CreatedAt = posts[i].CreatedAt.UTC()
	}
	return posts, nil
}

func (r *mongoRepository) GetPost(ctx context.Context, id string) (models.Post, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	var post models.Post
	err := r.posts.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&post)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Post{}, fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Post{}, fmt.Errorf("get post %s: %w", id, err)
	}
	post.CreatedAt = post.CreatedAt.UTC()
	return post, nil
}

// Sample operations

func (r *mongoRepository) FindMaxIdentifier(ctx context.Context, prefix string) (string, bool, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "identifier", Value: primitive.Regex{Pattern: sampleid.Pattern(prefix)}}}}},
		{{Key: "$project", Value: bson.D{
			{Key: "identifier", Value: 1},
			{Key: "length", Value: bson.D{{Key: "$strLenCP", Value: "$identifier"}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "length", Value: -1}, {Key: "identifier", Value: -1}}}},
		{{Key: "$limit", Value: 1}},
	}
	cursor, err := r.samples.Aggregate(ctx, pipeline)
	if err != nil {
		return "", false, fmt.Errorf("find max identifier: %w", err)
	}
	var results []struct {
		Identifier string `bson:"identifier"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return "", false, fmt.Errorf("find max identifier: %w", err)
	}
	if len(results) == 0 {
		return "", false, nil
	}
	return results[0].Identifier, true, nil
}

func (r *mongoRepository) InsertSample(ctx context.Context, sample models.Sample) (models.Sample, error) {
	if err := validateSample(sample); err != nil {
		return models.Sample{}, err
	}
	stored := sample.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}
	stored.CreatedAt = stored.CreatedAt.UTC().Truncate(time.Millisecond)

	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	if _, err := r.samples.InsertOne(ctx, stored); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.Sample{}, fmt.Errorf("insert sample %s: %w", stored.Identifier, ErrDuplicateIdentifier)
		}
		return models.Sample{}, fmt.Errorf("insert sample %s: %w", stored.Identifier, err)
	}
	return stored, nil
}

func (r *mongoRepository) GetSample(ctx context.Context, identifier string) (models.Sample, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	var sample models.Sample
	err := r.samples.FindOne(ctx, bson.D{{Key: "identifier", Value: identifier}}).Decode(&sample)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.Sample{}, fmt.Errorf("sample %s: %w", identifier, ErrNotFound)
	}
	if err != nil {
		return models.Sample{}, fmt.Errorf("get sample %s: %w", identifier, err)
	}
	sample.CreatedAt = sample.CreatedAt.UTC()
	return sample, nil
}

func (r *mongoRepository) ListSamples(ctx context.Context, filter SampleFilter) ([]models.Sample, error) {
	query := bson.D{}
	if filter.ProjectCode != "" {
		query = append(query, bson.E{Key: "projectCode", Value: filter.ProjectCode})
	}
	if filter.Type != "" {
		query = append(query, bson.E{Key: "type", Value: string(filter.Type)})
	}
	if filter.Year != 0 {
		start, end := filter.yearRange()
		query = append(query, bson.E{Key: "createdAt", Value: bson.D{{Key: "$gte", Value: start}, {Key: "$lt", Value: end}}})
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "identifier", Value: 1}})
	if filter.Limit > 0 {
		findOpts.SetLimit(int64(filter.Limit))
	}

	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	cursor, err := r.samples.Find(ctx, query, findOpts)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	samples := make([]models.Sample, 0)
	if err := cursor.All(ctx, &samples); err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	for i := range samples {
		samples[i].CreatedAt = samples[i].CreatedAt.UTC()
	}
	sortSamples(samples)
	return samples, nil
}

func (r *mongoRepository) Counts(ctx context.Context) (SnapshotCounts, error) {
	ctx, cancel := r.operationContext(ctx)
	defer cancel()
	var counts SnapshotCounts
	for _, target := range []struct {
		coll *mongo.Collection
		dst  *int
	}{
		{r.users, &counts.Users},
		{r.posts, &counts.Posts},
		{r.samples, &counts.Samples},
	} {
		n, err := target.coll.CountDocuments(ctx, bson.D{})
		if err != nil {
			return SnapshotCounts{}, fmt.Errorf("count %s: %w", target.coll.Name(), err)
		}
		*target.dst = int(n)
	}
	return counts, nil
}

func (r *mongoRepository) importSnapshot(ctx context.Context, snapshot *Snapshot) error {
	upsert := options.Update().SetUpsert(true)
	for _, key := range snapshot.sortedUserIDs() {
		user := snapshot.Users[key]
		if strings.TrimSpace(user.ID) == "" {
			user.ID = key
		}
		user.Email = strings.ToLower(strings.TrimSpace(user.Email))
		if _, err := r.users.UpdateOne(ctx, bson.D{{Key: "_id", Value: user.ID}}, bson.D{{Key: "$setOnInsert", Value: user}}, upsert); err != nil {
			return fmt.Errorf("import user %s: %w", user.ID, err)
		}
	}
	for _, key := range snapshot.sortedPostIDs() {
		post := snapshot.Posts[key]
		if strings.TrimSpace(post.ID) == "" {
			post.ID = key
		}
		if _, err := r.posts.UpdateOne(ctx, bson.D{{Key: "_id", Value: post.ID}}, bson.D{{Key: "$setOnInsert", Value: post}}, upsert); err != nil {
			return fmt.Errorf("import post %s: %w", post.ID, err)
		}
	}
	for _, key := range snapshot.sortedSampleIDs() {
		sample := snapshot.Samples[key]
		if strings.TrimSpace(sample.Identifier) == "" {
			sample.Identifier = key
		}
		if _, err := r.samples.UpdateOne(ctx, bson.D{{Key: "identifier", Value: sample.Identifier}}, bson.D{{Key: "$setOnInsert", Value: sample}}, upsert); err != nil {
			return fmt.Errorf("import sample %s: %w", sample.Identifier, err)
		}
	}
	return nil
}
