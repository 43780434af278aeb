package config_test

import (
	"errors"
	"runtime"
	"testing"

	"github.com/okian/photdb/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New()

		convey.Convey("Then it should have sensible defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
			convey.So(cfg.Driver, convey.ShouldEqual, config.DriverMemory)
			convey.So(cfg.QueueSize, convey.ShouldEqual, 1024)
			convey.So(cfg.WorkerCount, convey.ShouldEqual, runtime.NumCPU())
			convey.So(cfg.DedupeSize, convey.ShouldEqual, 50_000)
			convey.So(cfg.MatchToleranceArcsec, convey.ShouldEqual, 1.0)
			convey.So(cfg.IngestToleranceArcsec, convey.ShouldEqual, 0.5)
			convey.So(cfg.BoxMultiplier, convey.ShouldEqual, 6)
			convey.So(cfg.BatchSize, convey.ShouldEqual, 5000)
			convey.So(cfg.ReconcileWorkers, convey.ShouldEqual, 1)
			convey.So(cfg.LockBackend, convey.ShouldEqual, config.LockNone)
		})

		convey.Convey("Then the defaults validate", func() {
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})
	})
}

func TestConfig_Validate(t *testing.T) {
	convey.Convey("Given configs with invalid settings", t, func() {
		cases := []struct {
			name   string
			mutate func(*config.Config)
		}{
			{"empty addr", func(c *config.Config) { c.Addr = "" }},
			{"unknown driver", func(c *config.Config) { c.Driver = "oracle" }},
			{"postgres no dsn", func(c *config.Config) { c.Driver = config.DriverPostgres }},
			{"zero tolerance", func(c *config.Config) { c.MatchToleranceArcsec = 0 }},
			{"negative ingest", func(c *config.Config) { c.IngestToleranceArcsec = -1 }},
			{"small box", func(c *config.Config) { c.BoxMultiplier = 0.5 }},
			{"zero batch", func(c *config.Config) { c.BatchSize = 0 }},
			{"zero workers", func(c *config.Config) { c.ReconcileWorkers = 0 }},
			{"negative interval", func(c *config.Config) { c.ReconcileIntervalMS = -5 }},
			{"unknown lock", func(c *config.Config) { c.LockBackend = "etcd" }},
			{"redis without addr", func(c *config.Config) { c.LockBackend = config.LockRedis; c.RedisAddr = "" }},
			{"zero cell", func(c *config.Config) { c.LockCellDeg = 0 }},
			{"bad log format", func(c *config.Config) { c.LogFormat = "xml" }},
		}

		for _, tc := range cases {
			cfg := config.New()
			tc.mutate(cfg)

			convey.Convey("Then "+tc.name+" is rejected", func() {
				err := cfg.Validate()
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		}

		convey.Convey("Then every problem is reported at once", func() {
			cfg := config.New()
			cfg.Addr = ""
			cfg.BatchSize = -1
			err := cfg.Validate()
			convey.So(err.Error(), convey.ShouldContainSubstring, "addr")
			convey.So(err.Error(), convey.ShouldContainSubstring, "batch_size")
		})
	})
}
