package storage

import (
	"strings"
	"time"
)

// Option configures a repository. Options that do not apply to a backend are
// ignored by it.
type Option interface {
	applyJSON(*Storage)
	applyPostgres(*PostgresConfig)
	applyMongo(*MongoConfig)
}

type optionAdapter struct {
	json  func(*Storage)
	pg    func(*PostgresConfig)
	mongo func(*MongoConfig)
}

func (o optionAdapter) applyJSON(store *Storage) {
	if o.json != nil && store != nil {
		o.json(store)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func (o optionAdapter) applyMongo(cfg *MongoConfig) {
	if o.mongo != nil && cfg != nil {
		o.mongo(cfg)
	}
}

func composeOption(json func(*Storage), pg func(*PostgresConfig), mongo func(*MongoConfig)) Option {
	return optionAdapter{json: json, pg: pg, mongo: mongo}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

func mongoOnlyOption(mongo func(*MongoConfig)) Option {
	return optionAdapter{mongo: mongo}
}

// WithClock overrides the time source used for registeredAt and createdAt
// stamps on users and posts.
func WithClock(clock func() time.Time) Option {
	if clock == nil {
		return optionAdapter{}
	}
	return composeOption(
		func(s *Storage) { s.clock = clock },
		func(cfg *PostgresConfig) { cfg.Clock = clock },
		func(cfg *MongoConfig) { cfg.Clock = clock },
	)
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithPostgresAcquireTimeout bounds how long a single repository call may wait
// for a pooled connection and run its statement.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}

// WithMongoDatabase selects the database holding the users, posts and samples
// collections.
func WithMongoDatabase(name string) Option {
	return mongoOnlyOption(func(cfg *MongoConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.Database = trimmed
		}
	})
}

// WithMongoTimeouts sets the connect and per-operation timeouts.
func WithMongoTimeouts(connect, operation time.Duration) Option {
	return mongoOnlyOption(func(cfg *MongoConfig) {
		if connect > 0 {
			cfg.ConnectTimeout = connect
		}
		if operation > 0 {
			cfg.OperationTimeout = operation
		}
	})
}

// WithMongoPoolSize caps the driver connection pool.
func WithMongoPoolSize(size uint64) Option {
	return mongoOnlyOption(func(cfg *MongoConfig) {
		if size > 0 {
			cfg.MaxPoolSize = size
		}
	})
}
