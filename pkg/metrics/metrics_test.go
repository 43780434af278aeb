package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with default options", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(WithRegistry(registry))

			Convey("Then it should register on the given registry", func() {
				So(manager, ShouldNotBeNil)
				manager.objectsCreated.WithLabelValues("ingest").Inc()
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				So(len(families), ShouldBeGreaterThan, 0)
				So(families[0].GetName(), ShouldStartWith, "photdb_catalog_")
			})
		})

		Convey("When creating with custom options", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace("survey"),
				WithSubsystem("odi"),
				WithLatencyBuckets([]float64{0.1, 0.5, 1.0}),
				WithRefreshInterval(5*time.Second),
				WithConstLabels(map[string]string{"env": "test"}),
				WithRegistry(registry),
			)

			Convey("Then the options are applied", func() {
				So(manager.namespace, ShouldEqual, "survey")
				So(manager.subsystem, ShouldEqual, "odi")
				So(manager.refreshInterval, ShouldEqual, 5*time.Second)
				So(manager.latencyBuckets, ShouldResemble, []float64{0.1, 0.5, 1.0})
			})
		})

		Convey("When creating with empty option values", func() {
			manager := NewManager(
				WithNamespace(""),
				WithSubsystem(""),
				WithRefreshInterval(0),
				WithRegistry(prometheus.NewRegistry()),
			)

			Convey("Then defaults are kept", func() {
				So(manager.namespace, ShouldEqual, "photdb")
				So(manager.subsystem, ShouldEqual, "catalog")
				So(manager.refreshInterval, ShouldEqual, defaultRefreshInterval)
			})
		})
	})
}

func TestCatalogRecorders(t *testing.T) {
	Convey("Given the global manager", t, func() {
		Convey("When recording catalog activity", func() {
			before := testutil.ToFloat64(globalManager.objectsCreated.WithLabelValues("reconcile"))
			RecordObjectCreated("reconcile")
			RecordObjectMatched("reconcile")
			RecordMatchCandidates(3)
			RecordMatchLatency(0.4)
			RecordLinkConflict()
			RecordReconcilePass(12, 1)
			RecordExposureIngested()
			RecordExposureDuplicate()
			RecordMeasurementsIngested(10)
			RecordMeasurementSkipped(2)
			RecordStoreLatency("range_query", 0.2)
			RecordLockWait(0.1)

			Convey("Then counters advance", func() {
				So(testutil.ToFloat64(globalManager.objectsCreated.WithLabelValues("reconcile")), ShouldEqual, before+1)
			})
		})

		Convey("When updating gauges", func() {
			UpdateUnmatchedBacklog(42)
			UpdateCatalogObjects(7)
			UpdateQueueSize(3)
			UpdateQueueCapacity(10)
			UpdateQueueUtilization(0.3)
			UpdateWorkerCount(4)
			UpdateWorkerActiveCount(1)
			UpdateSystemMemoryUsage(1024)
			UpdateSystemGoroutineCount(12)

			Convey("Then the last value is reported", func() {
				So(testutil.ToFloat64(globalManager.unmatchedBacklog), ShouldEqual, 42)
				So(testutil.ToFloat64(globalManager.catalogObjects), ShouldEqual, 7)
				So(testutil.ToFloat64(globalManager.queueUtilization), ShouldEqual, 0.3)
			})
		})

		Convey("When recording queue, worker and HTTP activity", func() {
			So(func() {
				RecordQueueEnqueue()
				RecordQueueDequeue()
				RecordQueueEnqueueError()
				RecordQueueProcessingLatency(1)
				RecordWorkerProcessingLatency(2)
				RecordWorkerError()
				RecordHTTPRequest("/objects/match", "GET", "200")
				RecordHTTPRequestDuration("/objects/match", "GET", "200", 1.5)
				RecordErrorByComponent("reconciler", "transport")
			}, ShouldNotPanic)
		})

		Convey("Then the registry is exposed", func() {
			So(GetRegistry(), ShouldNotBeNil)
			So(RefreshInterval(), ShouldEqual, defaultRefreshInterval)
		})
	})
}
