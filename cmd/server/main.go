// Command server starts the fieldlab API HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"fieldlab-api/internal/api"
	"fieldlab-api/internal/label"
	"fieldlab-api/internal/observability/logging"
	"fieldlab-api/internal/observability/metrics"
	"fieldlab-api/internal/provision"
	"fieldlab-api/internal/sampleid"
	"fieldlab-api/internal/server"
	"fieldlab-api/internal/serverutil"
	"fieldlab-api/internal/storage"
)

const (
	envPostgresDSN = "FIELDLAB_POSTGRES_DSN"
	envMongoURI    = "FIELDLAB_MONGO_URI"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json, postgres or mongo)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	mongoURI := flag.String("mongo-uri", "", "MongoDB connection string")
	mongoDatabase := flag.String("mongo-database", "", "MongoDB database name")
	mongoPoolSize := flag.Int("mongo-pool-size", 0, "maximum connections in the MongoDB pool")
	mongoConnectTimeout := flag.Duration("mongo-connect-timeout", 0, "timeout when connecting to MongoDB")
	mongoOperationTimeout := flag.Duration("mongo-operation-timeout", 0, "timeout applied to each MongoDB operation")
	lockDriver := flag.String("lock-driver", "", "sample id lock driver (local or redis)")
	redisAddr := flag.String("lock-redis-addr", "", "Redis address for the sample id lock")
	redisAddrs := flag.String("lock-redis-addrs", "", "comma separated Redis addresses for the sample id lock")
	redisUsername := flag.String("lock-redis-username", "", "Redis username for the sample id lock")
	redisPassword := flag.String("lock-redis-password", "", "Redis password for the sample id lock")
	redisMasterName := flag.String("lock-redis-master-name", "", "Redis sentinel master name for the sample id lock")
	redisPoolSize := flag.Int("lock-redis-pool-size", 0, "maximum Redis connections for the sample id lock")
	redisTTL := flag.Duration("lock-redis-ttl", 0, "expiry of a held sample id lock")
	redisMaxWait := flag.Duration("lock-redis-max-wait", 0, "maximum wait to acquire a sample id lock")
	redisTLSCA := flag.String("lock-redis-tls-ca", "", "path to Redis TLS CA certificate for the sample id lock")
	redisTLSCert := flag.String("lock-redis-tls-cert", "", "path to Redis TLS client certificate for the sample id lock")
	redisTLSKey := flag.String("lock-redis-tls-key", "", "path to Redis TLS client key for the sample id lock")
	redisTLSServerName := flag.String("lock-redis-tls-server-name", "", "override Redis TLS server name for the sample id lock")
	redisTLSSkipVerify := flag.Bool("lock-redis-tls-skip-verify", false, "skip Redis TLS verification for the sample id lock")
	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket for archived labels")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	objectPathStyle := flag.Bool("object-path-style", false, "address the bucket with path-style URLs")
	objectPrefix := flag.String("object-prefix", "", "object storage key prefix for labels")
	objectPublicEndpoint := flag.String("object-public-endpoint", "", "public endpoint used for label URLs")
	objectTimeout := flag.Duration("object-timeout", 0, "timeout for a single object storage request")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API (* for any)")
	provisionAttempts := flag.Int("provision-attempts", 0, "identifier generation attempts before a conflict is reported")
	labelCacheTTL := flag.Duration("label-cache-ttl", 0, "how long rendered labels stay cached")
	requestTimeout := flag.Duration("request-timeout", 0, "read and write timeout for a single request")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "grace period for in-flight requests on shutdown")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("FIELDLAB_LOG_LEVEL"), "info"),
		Format: firstNonEmpty(*logFormat, os.Getenv("FIELDLAB_LOG_FORMAT")),
	})
	recorder := metrics.New()

	serverMode := modeValue(*mode, os.Getenv("FIELDLAB_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("FIELDLAB_ADDR"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resolvedPostgresDSN := resolvePostgresDSN(*postgresDSN)
	resolvedMongoURI := resolveMongoURI(*mongoURI)
	driver, explicit, err := resolveStorageDriver(*storageDriver, os.Getenv("FIELDLAB_STORAGE_DRIVER"), resolvedPostgresDSN, resolvedMongoURI)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" {
		if err := validateProductionDatastore(driver, resolvedPostgresDSN, resolvedMongoURI); err != nil {
			logger.Error("production datastore validation failed", "error", err)
			os.Exit(1)
		}
	}

	storageLogger := logging.WithComponent(logger, "storage")
	var store storage.Repository
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("FIELDLAB_DATA"))
		storageLogger.Info("opening json datastore", "path", dataFile)
		store, err = storage.NewJSONRepository(dataFile)
	case "postgres":
		if resolvedPostgresDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		var pgOptions []storage.Option
		maxConns := resolveInt(*postgresMaxConns, "FIELDLAB_POSTGRES_MAX_CONNS")
		minConns := resolveInt(*postgresMinConns, "FIELDLAB_POSTGRES_MIN_CONNS")
		if maxConns > 0 || minConns > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
		}
		maxLifetime := resolveDuration(*postgresMaxConnLifetime, "FIELDLAB_POSTGRES_MAX_CONN_LIFETIME", 0)
		maxIdle := resolveDuration(*postgresMaxConnIdle, "FIELDLAB_POSTGRES_MAX_CONN_IDLE", 0)
		healthInterval := resolveDuration(*postgresHealthInterval, "FIELDLAB_POSTGRES_HEALTH_INTERVAL", 0)
		if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
		}
		if acquireTimeout := resolveDuration(*postgresAcquireTimeout, "FIELDLAB_POSTGRES_ACQUIRE_TIMEOUT", 0); acquireTimeout > 0 {
			pgOptions = append(pgOptions, storage.WithPostgresAcquireTimeout(acquireTimeout))
		}
		if appName := firstNonEmpty(*postgresAppName, os.Getenv("FIELDLAB_POSTGRES_APP_NAME")); appName != "" {
			pgOptions = append(pgOptions, storage.WithPostgresApplicationName(appName))
		}
		storageLogger.Info("opening postgres datastore", "implicit", !explicit)
		store, err = storage.NewPostgresRepository(ctx, resolvedPostgresDSN, pgOptions...)
	case "mongo":
		if resolvedMongoURI == "" {
			logger.Error("mongo storage selected without URI")
			os.Exit(1)
		}
		var mongoOptions []storage.Option
		if database := firstNonEmpty(*mongoDatabase, os.Getenv("FIELDLAB_MONGO_DATABASE")); database != "" {
			mongoOptions = append(mongoOptions, storage.WithMongoDatabase(database))
		}
		if poolSize := resolveInt(*mongoPoolSize, "FIELDLAB_MONGO_POOL_SIZE"); poolSize > 0 {
			mongoOptions = append(mongoOptions, storage.WithMongoPoolSize(uint64(poolSize)))
		}
		connectTimeout := resolveDuration(*mongoConnectTimeout, "FIELDLAB_MONGO_CONNECT_TIMEOUT", 0)
		operationTimeout := resolveDuration(*mongoOperationTimeout, "FIELDLAB_MONGO_OPERATION_TIMEOUT", 0)
		if connectTimeout > 0 || operationTimeout > 0 {
			mongoOptions = append(mongoOptions, storage.WithMongoTimeouts(connectTimeout, operationTimeout))
		}
		storageLogger.Info("opening mongo datastore", "implicit", !explicit)
		store, err = storage.NewMongoRepository(ctx, resolvedMongoURI, mongoOptions...)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "driver", driver, "error", err)
		os.Exit(1)
	}

	hooks := []serverutil.ShutdownHook{{Name: "datastore", Close: store.Close}}

	lockCfg := sampleid.RedisLockerConfig{
		Addr:       firstNonEmpty(*redisAddr, os.Getenv("FIELDLAB_LOCK_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("FIELDLAB_LOCK_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*redisUsername, os.Getenv("FIELDLAB_LOCK_REDIS_USERNAME")),
		Password:   firstNonEmpty(*redisPassword, os.Getenv("FIELDLAB_LOCK_REDIS_PASSWORD")),
		MasterName: firstNonEmpty(*redisMasterName, os.Getenv("FIELDLAB_LOCK_REDIS_MASTER_NAME")),
		PoolSize:   resolveInt(*redisPoolSize, "FIELDLAB_LOCK_REDIS_POOL_SIZE"),
		TTL:        resolveDuration(*redisTTL, "FIELDLAB_LOCK_REDIS_TTL", 0),
		MaxWait:    resolveDuration(*redisMaxWait, "FIELDLAB_LOCK_REDIS_MAX_WAIT", 0),
		TLS: sampleid.RedisTLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("FIELDLAB_LOCK_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("FIELDLAB_LOCK_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("FIELDLAB_LOCK_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("FIELDLAB_LOCK_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "FIELDLAB_LOCK_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	locker, redisLocker, err := configureLocker(firstNonEmpty(*lockDriver, os.Getenv("FIELDLAB_LOCK_DRIVER")), lockCfg, logger)
	if err != nil {
		logger.Error("failed to configure sample id lock", "error", err)
		_ = store.Close(context.Background())
		os.Exit(1)
	}
	checks := map[string]api.HealthChecker{}
	if redisLocker != nil {
		checks["lock"] = redisLocker
		hooks = append(hooks, serverutil.ShutdownHook{
			Name:  "redis lock",
			Close: func(context.Context) error { return redisLocker.Close() },
		})
	}

	objectCfg := storage.ObjectStorageConfig{
		Endpoint:       firstNonEmpty(*objectEndpoint, os.Getenv("FIELDLAB_OBJECT_ENDPOINT")),
		Region:         firstNonEmpty(*objectRegion, os.Getenv("FIELDLAB_OBJECT_REGION")),
		AccessKey:      firstNonEmpty(*objectAccessKey, os.Getenv("FIELDLAB_OBJECT_ACCESS_KEY")),
		SecretKey:      firstNonEmpty(*objectSecretKey, os.Getenv("FIELDLAB_OBJECT_SECRET_KEY")),
		Bucket:         firstNonEmpty(*objectBucket, os.Getenv("FIELDLAB_OBJECT_BUCKET")),
		UseSSL:         resolveBool(*objectUseSSL, "FIELDLAB_OBJECT_USE_SSL"),
		PathStyle:      resolveBool(*objectPathStyle, "FIELDLAB_OBJECT_PATH_STYLE"),
		Prefix:         strings.TrimSpace(firstNonEmpty(*objectPrefix, os.Getenv("FIELDLAB_OBJECT_PREFIX"))),
		PublicEndpoint: firstNonEmpty(*objectPublicEndpoint, os.Getenv("FIELDLAB_OBJECT_PUBLIC_ENDPOINT")),
		RequestTimeout: resolveDuration(*objectTimeout, "FIELDLAB_OBJECT_TIMEOUT", 0),
	}
	archive, err := storage.NewLabelArchive(ctx, objectCfg)
	if err != nil {
		logger.Error("failed to configure label archive", "error", err)
		os.Exit(1)
	}

	labels := label.NewCachedEncoder(label.NewEncoder(), resolveDuration(*labelCacheTTL, "FIELDLAB_LABEL_CACHE_TTL", 0), recorder)
	provisioner, err := provision.NewService(provision.Config{
		Store:       store,
		Renderer:    labels,
		Locker:      locker,
		Archive:     archive,
		Observer:    recorder,
		MaxAttempts: resolveInt(*provisionAttempts, "FIELDLAB_PROVISION_ATTEMPTS"),
	})
	if err != nil {
		logger.Error("failed to initialise provisioning", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(store, provisioner, labels, logger)
	handler.Checks = checks

	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("FIELDLAB_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("FIELDLAB_TLS_KEY")),
	}
	srv, err := server.New(handler, server.Config{
		Addr:           listenAddr,
		TLS:            tlsCfg,
		Logger:         logger,
		Metrics:        recorder,
		CORS:           server.CORSConfig{AllowedOrigins: resolveCORSOrigins(*corsOrigins, os.Getenv("FIELDLAB_CORS_ORIGINS"))},
		RequestTimeout: resolveDuration(*requestTimeout, "FIELDLAB_REQUEST_TIMEOUT", 0),
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	logger.Info("fieldlab API starting",
		"addr", listenAddr,
		"mode", serverMode,
		"storage", driver,
		"lock", lockDriverName(redisLocker),
		"label_archive", archive.Enabled(),
		"provision_attempts", provisioner.MaxAttempts(),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer stop()
		return serverutil.Run(groupCtx, serverutil.Config{
			Server:          srv.HTTPServer(),
			TLS:             serverutil.TLSConfig{CertFile: tlsCfg.CertFile, KeyFile: tlsCfg.KeyFile},
			ShutdownTimeout: resolveDuration(*shutdownTimeout, "FIELDLAB_SHUTDOWN_TIMEOUT", serverutil.DefaultShutdownTimeout),
			Logger:          logger,
			Hooks:           hooks,
		})
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown requested")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// configureLocker picks the sample id lock. Redis is selected explicitly or by
// configuring an address; otherwise locking stays in process.
func configureLocker(driver string, cfg sampleid.RedisLockerConfig, logger *slog.Logger) (sampleid.Locker, *sampleid.RedisLocker, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" && (strings.TrimSpace(cfg.Addr) != "" || len(cfg.Addrs) > 0) {
		driver = "redis"
	}
	switch driver {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, nil, fmt.Errorf("redis addr is required for the sample id lock")
		}
		cfg.Logger = logging.WithComponent(logger, "sampleid-lock")
		locker, err := sampleid.NewRedisLocker(cfg)
		if err != nil {
			return nil, nil, err
		}
		return locker, locker, nil
	case "", "local":
		return sampleid.NewLocalLocker(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported lock driver %q", driver)
	}
}

func lockDriverName(redisLocker *sampleid.RedisLocker) string {
	if redisLocker != nil {
		return "redis"
	}
	return "local"
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

// resolveStorageDriver returns the datastore driver and whether it was chosen
// explicitly. Without an explicit choice a configured Postgres DSN wins over a
// Mongo URI.
func resolveStorageDriver(flagValue, envValue, postgresDSN, mongoURI string) (string, bool, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, true, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, true, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", false, nil
	}
	if strings.TrimSpace(mongoURI) != "" {
		return "mongo", false, nil
	}
	return "", false, fmt.Errorf("no datastore configured: provide --storage-driver json or configure Postgres via %s, DATABASE_URL or --postgres-dsn, or MongoDB via %s or --mongo-uri", envPostgresDSN, envMongoURI)
}

func validateProductionDatastore(driver, postgresDSN, mongoURI string) error {
	switch driver {
	case "postgres":
		if strings.TrimSpace(postgresDSN) == "" {
			return fmt.Errorf("production mode requires %s to be set", envPostgresDSN)
		}
	case "mongo":
		if strings.TrimSpace(mongoURI) == "" {
			return fmt.Errorf("production mode requires %s to be set", envMongoURI)
		}
	case "":
		return fmt.Errorf("production mode requires the postgres or mongo datastore driver")
	default:
		return fmt.Errorf("production mode requires the postgres or mongo datastore driver, got %q", driver)
	}
	return nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv(envPostgresDSN), os.Getenv("DATABASE_URL")))
}

func resolveMongoURI(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv(envMongoURI), os.Getenv("MONGODB_URI")))
}

// resolveCORSOrigins defaults to any origin, which is what the API has always
// answered with.
func resolveCORSOrigins(flagValue, envValue string) []string {
	origins := splitAndTrim(firstNonEmpty(flagValue, envValue))
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := parseInt(env); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}

func parseInt(value string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	return v, nil
}
