package main

import (
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"fieldlab-api/internal/sampleid"
)

func TestConfigureLockerDefaultsToLocal(t *testing.T) {
	locker, redisLocker, err := configureLocker("", sampleid.RedisLockerConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("configureLocker returned error: %v", err)
	}
	if redisLocker != nil {
		t.Fatal("expected no redis locker without an address")
	}
	if _, ok := locker.(*sampleid.LocalLocker); !ok {
		t.Fatalf("expected local locker, got %T", locker)
	}
}

func TestConfigureLockerRedisMissingAddress(t *testing.T) {
	if _, _, err := configureLocker("redis", sampleid.RedisLockerConfig{}, slog.Default()); err == nil {
		t.Fatal("configureLocker redis expected error when addr missing")
	}
}

func TestConfigureLockerSelectsRedisFromAddress(t *testing.T) {
	locker, redisLocker, err := configureLocker("", sampleid.RedisLockerConfig{Addr: "127.0.0.1:6379"}, slog.Default())
	if err != nil {
		t.Fatalf("configureLocker returned error: %v", err)
	}
	t.Cleanup(func() { _ = redisLocker.Close() })
	if redisLocker == nil || locker != sampleid.Locker(redisLocker) {
		t.Fatalf("expected redis locker, got %T", locker)
	}
	if got := lockDriverName(redisLocker); got != "redis" {
		t.Fatalf("expected redis driver name, got %q", got)
	}
}

func TestConfigureLockerRejectsUnknownDriver(t *testing.T) {
	if _, _, err := configureLocker("etcd", sampleid.RedisLockerConfig{}, slog.Default()); err == nil {
		t.Fatal("expected error for unsupported lock driver")
	}
}

func TestResolveStorageDriverDefaultsToPostgres(t *testing.T) {
	driver, explicit, err := resolveStorageDriver("", "", "postgres://example", "mongodb://example")
	if err != nil {
		t.Fatalf("resolveStorageDriver returned error: %v", err)
	}
	if explicit {
		t.Fatal("expected postgres default to be implicit, got explicit")
	}
	if driver != "postgres" {
		t.Fatalf("expected postgres driver, got %q", driver)
	}
}

func TestResolveStorageDriverFallsBackToMongo(t *testing.T) {
	driver, explicit, err := resolveStorageDriver("", "", "", "mongodb://example")
	if err != nil {
		t.Fatalf("resolveStorageDriver returned error: %v", err)
	}
	if explicit || driver != "mongo" {
		t.Fatalf("expected implicit mongo driver, got %q (explicit=%v)", driver, explicit)
	}
}

func TestResolveStorageDriverFlagWins(t *testing.T) {
	driver, explicit, err := resolveStorageDriver(" JSON ", "mongo", "postgres://example", "")
	if err != nil {
		t.Fatalf("resolveStorageDriver returned error: %v", err)
	}
	if !explicit || driver != "json" {
		t.Fatalf("expected explicit json driver, got %q (explicit=%v)", driver, explicit)
	}
}

func TestResolveStorageDriverMissingConfigFails(t *testing.T) {
	if _, _, err := resolveStorageDriver("", "", "", ""); err == nil {
		t.Fatal("resolveStorageDriver expected error when no configuration provided")
	}
}

func TestValidateProductionDatastore(t *testing.T) {
	cases := []struct {
		name     string
		driver   string
		postgres string
		mongo    string
		wantErr  string
	}{
		{name: "json rejected", driver: "json", postgres: "postgres://example", wantErr: "postgres or mongo"},
		{name: "empty driver", driver: "", wantErr: "postgres or mongo"},
		{name: "postgres without dsn", driver: "postgres", wantErr: envPostgresDSN},
		{name: "mongo without uri", driver: "mongo", wantErr: envMongoURI},
		{name: "postgres ok", driver: "postgres", postgres: "postgres://example"},
		{name: "mongo ok", driver: "mongo", mongo: "mongodb://example"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := validateProductionDatastore(tc.driver, tc.postgres, tc.mongo)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestResolvePostgresDSNPriority(t *testing.T) {
	t.Setenv(envPostgresDSN, "postgres://env")
	t.Setenv("DATABASE_URL", "postgres://database")
	if got := resolvePostgresDSN("postgres://flag"); got != "postgres://flag" {
		t.Fatalf("expected flag DSN to win, got %q", got)
	}
	if got := resolvePostgresDSN(""); got != "postgres://env" {
		t.Fatalf("expected %s to win, got %q", envPostgresDSN, got)
	}
	t.Setenv(envPostgresDSN, "")
	if got := resolvePostgresDSN(""); got != "postgres://database" {
		t.Fatalf("expected DATABASE_URL fallback, got %q", got)
	}
}

func TestResolveMongoURIPriority(t *testing.T) {
	t.Setenv(envMongoURI, "")
	t.Setenv("MONGODB_URI", "mongodb://fallback")
	if got := resolveMongoURI(""); got != "mongodb://fallback" {
		t.Fatalf("expected MONGODB_URI fallback, got %q", got)
	}
	t.Setenv(envMongoURI, "mongodb://env")
	if got := resolveMongoURI(""); got != "mongodb://env" {
		t.Fatalf("expected %s to win, got %q", envMongoURI, got)
	}
}

func TestResolveListenAddr(t *testing.T) {
	if got := resolveListenAddr("", modeValue("", ""), ""); got != ":8080" {
		t.Fatalf("expected development default, got %q", got)
	}
	if got := resolveListenAddr("", modeValue("", "PRODUCTION"), ""); got != ":80" {
		t.Fatalf("expected production default, got %q", got)
	}
	if got := resolveListenAddr("", "production", " :9090 "); got != ":9090" {
		t.Fatalf("expected env address, got %q", got)
	}
	if got := resolveListenAddr("127.0.0.1:7000", "production", ":9090"); got != "127.0.0.1:7000" {
		t.Fatalf("expected flag address, got %q", got)
	}
}

func TestResolveCORSOrigins(t *testing.T) {
	if got := resolveCORSOrigins("", ""); !reflect.DeepEqual(got, []string{"*"}) {
		t.Fatalf("expected wildcard default, got %v", got)
	}
	got := resolveCORSOrigins("", " https://a.example , ,https://b.example")
	want := []string{"https://a.example", "https://b.example"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestResolveDataPath(t *testing.T) {
	if got := resolveDataPath("", ""); got != "data/store.json" {
		t.Fatalf("expected default data path, got %q", got)
	}
	if got := resolveDataPath("", " /srv/store.json "); got != "/srv/store.json" {
		t.Fatalf("expected env data path, got %q", got)
	}
}

func TestResolveEnvFallbacks(t *testing.T) {
	t.Setenv("FIELDLAB_TEST_INT", "7")
	t.Setenv("FIELDLAB_TEST_DURATION", "250ms")
	t.Setenv("FIELDLAB_TEST_BOOL", "true")
	t.Setenv("FIELDLAB_TEST_BAD", "nope")

	if got := resolveInt(0, "FIELDLAB_TEST_INT"); got != 7 {
		t.Fatalf("expected env int, got %d", got)
	}
	if got := resolveInt(3, "FIELDLAB_TEST_INT"); got != 3 {
		t.Fatalf("expected flag int, got %d", got)
	}
	if got := resolveInt(0, "FIELDLAB_TEST_BAD"); got != 0 {
		t.Fatalf("expected invalid env int to be ignored, got %d", got)
	}
	if got := resolveDuration(0, "FIELDLAB_TEST_DURATION", time.Second); got != 250*time.Millisecond {
		t.Fatalf("expected env duration, got %s", got)
	}
	if got := resolveDuration(0, "FIELDLAB_TEST_BAD", time.Second); got != time.Second {
		t.Fatalf("expected fallback duration, got %s", got)
	}
	if !resolveBool(false, "FIELDLAB_TEST_BOOL") {
		t.Fatal("expected env bool to be honoured")
	}
	if resolveBool(false, "FIELDLAB_TEST_BAD") {
		t.Fatal("expected invalid env bool to be ignored")
	}
}
