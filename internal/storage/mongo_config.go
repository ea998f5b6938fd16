package storage

import "time"

const (
	defaultMongoDatabase         = "fieldlab"
	defaultMongoConnectTimeout   = 10 * time.Second
	defaultMongoOperationTimeout = 5 * time.Second

	mongoUsersCollection   = "users"
	mongoPostsCollection   = "posts"
	mongoSamplesCollection = "samples"
)

// MongoConfig describes how the MongoDB repository connects.
type MongoConfig struct {
	URI              string
	Database         string
	AppName          string
	MaxPoolSize      uint64
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	Clock            func() time.Time
}

func newMongoConfig(uri string, opts ...Option) MongoConfig {
	cfg := MongoConfig{
		URI:              uri,
		Database:         defaultMongoDatabase,
		AppName:          "fieldlab-api",
		ConnectTimeout:   defaultMongoConnectTimeout,
		OperationTimeout: defaultMongoOperationTimeout,
		Clock:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyMongo(&cfg)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return cfg
}
