package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/okian/photdb/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

var configEnvVars = []string{
	"PHOTDB_CONFIG",
	"PHOTDB_ADDR",
	"PHOTDB_DRIVER",
	"PHOTDB_DSN",
	"PHOTDB_BATCH_SIZE",
	"PHOTDB_MATCH_TOLERANCE_ARCSEC",
	"PHOTDB_RECONCILE_WORKERS",
	"PHOTDB_LOCK_BACKEND",
	"PHOTDB_QUEUE_SIZE",
}

func clearConfigEnvVars() {
	for _, k := range configEnvVars {
		_ = os.Unsetenv(k)
	}
}

func createTempConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "photdb.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()
		clearConfigEnvVars()
		defer clearConfigEnvVars()

		convey.Convey("When loading config with defaults only", func() {
			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
				convey.So(cfg.Driver, convey.ShouldEqual, config.DriverMemory)
				convey.So(cfg.BatchSize, convey.ShouldEqual, 5000)
				convey.So(cfg.MatchToleranceArcsec, convey.ShouldEqual, 1.0)
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			_ = os.Setenv("PHOTDB_ADDR", ":8080")
			_ = os.Setenv("PHOTDB_DRIVER", "sqlite")
			_ = os.Setenv("PHOTDB_DSN", "file:photdb.db")
			_ = os.Setenv("PHOTDB_BATCH_SIZE", "250")
			_ = os.Setenv("PHOTDB_MATCH_TOLERANCE_ARCSEC", "1.5")
			_ = os.Setenv("PHOTDB_RECONCILE_WORKERS", "4")
			_ = os.Setenv("PHOTDB_LOCK_BACKEND", "local")

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.Driver, convey.ShouldEqual, config.DriverSQLite)
				convey.So(cfg.DSN, convey.ShouldEqual, "file:photdb.db")
				convey.So(cfg.BatchSize, convey.ShouldEqual, 250)
				convey.So(cfg.MatchToleranceArcsec, convey.ShouldEqual, 1.5)
				convey.So(cfg.ReconcileWorkers, convey.ShouldEqual, 4)
				convey.So(cfg.LockBackend, convey.ShouldEqual, config.LockLocal)
			})
		})

		convey.Convey("When loading config with YAML file", func() {
			path := createTempConfigFile(t, `
addr: ":7070"
queue_size: 64
batch_size: 100
lock_backend: redis
redis_addr: "cache:6379"
`)
			_ = os.Setenv("PHOTDB_CONFIG", path)

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load values from the file", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":7070")
				convey.So(cfg.QueueSize, convey.ShouldEqual, 64)
				convey.So(cfg.BatchSize, convey.ShouldEqual, 100)
				convey.So(cfg.LockBackend, convey.ShouldEqual, config.LockRedis)
				convey.So(cfg.RedisAddr, convey.ShouldEqual, "cache:6379")
			})

			convey.Convey("And environment variables are also set", func() {
				_ = os.Setenv("PHOTDB_BATCH_SIZE", "7")

				cfg, err := config.Load(ctx)

				convey.Convey("Then env vars take precedence over the file", func() {
					convey.So(err, convey.ShouldBeNil)
					convey.So(cfg.BatchSize, convey.ShouldEqual, 7)
					convey.So(cfg.QueueSize, convey.ShouldEqual, 64)
				})
			})
		})

		convey.Convey("When the config file does not exist", func() {
			_ = os.Setenv("PHOTDB_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

			_, err := config.Load(ctx)

			convey.Convey("Then a load error is returned", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When the loaded values are invalid", func() {
			_ = os.Setenv("PHOTDB_QUEUE_SIZE", "0")

			_, err := config.Load(ctx)

			convey.Convey("Then validation rejects them", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		})
	})
}
