// Package metrics exports framework statistics to Prometheus.
//
// A Recorder implements bundlehost.Instrumentation, so it can be passed to
// bundlehost.WithInstrumentation. Bundle state and event backlog gauges are computed on
// scrape from the framework once Watch has been called.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoCodeAlone/bundlehost"
)

const namespace = "bundlehost"

var errNilFramework = errors.New("metrics: nil framework")

// Recorder holds the framework's collectors.
type Recorder struct {
	registry *prometheus.Registry

	lockWait   *prometheus.HistogramVec
	lockErrors *prometheus.CounterVec
	operations *prometheus.HistogramVec
	opErrors   *prometheus.CounterVec
	queued     prometheus.Counter
	queueDepth prometheus.Gauge
	delivered  *prometheus.CounterVec
	skipped    *prometheus.CounterVec
	panicked   *prometheus.CounterVec
}

// NewRecorder creates a Recorder registered on a private registry together with the Go
// and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent acquiring bundle and global locks.",
			Buckets:   []float64{.0001, .001, .01, .05, .1, .5, 1, 5},
		}, []string{"kind"}),
		lockErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "failures_total",
			Help:      "Lock acquisitions that failed or were interrupted.",
		}, []string{"kind"}),
		operations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "operation_seconds",
			Help:      "Duration of lifecycle operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		opErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "operation_failures_total",
			Help:      "Lifecycle operations that returned an error.",
		}, []string{"operation"}),
		queued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "queued_total",
			Help:      "Events posted to the dispatcher.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "queue_depth_at_post",
			Help:      "Dispatcher backlog observed when the last event was posted.",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "delivered_total",
			Help:      "Listener invocations.",
		}, []string{"kind"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "skipped_total",
			Help:      "Deliveries skipped because the listener owner was not active.",
		}, []string{"kind"}),
		panicked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "listener_panics_total",
			Help:      "Listener invocations that panicked.",
		}, []string{"kind"}),
	}
	r.registry.MustRegister(
		r.lockWait, r.lockErrors,
		r.operations, r.opErrors,
		r.queued, r.queueDepth, r.delivered, r.skipped, r.panicked,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the registry the recorder's collectors live in.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveLockWait implements bundlehost.LockObserver.
func (r *Recorder) ObserveLockWait(kind string, d time.Duration, err error) {
	r.lockWait.WithLabelValues(kind).Observe(d.Seconds())
	if err != nil {
		r.lockErrors.WithLabelValues(kind).Inc()
	}
}

// ObserveOperation records one lifecycle operation.
func (r *Recorder) ObserveOperation(op string, d time.Duration, err error) {
	r.operations.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		r.opErrors.WithLabelValues(op).Inc()
	}
}

func (r *Recorder) EventQueued(depth int) {
	r.queued.Inc()
	r.queueDepth.Set(float64(depth))
}

func (r *Recorder) EventDelivered(kind string)   { r.delivered.WithLabelValues(kind).Inc() }
func (r *Recorder) DeliverySkipped(kind string)  { r.skipped.WithLabelValues(kind).Inc() }
func (r *Recorder) ListenerPanicked(kind string) { r.panicked.WithLabelValues(kind).Inc() }

// Watch registers gauges computed from fw on every scrape.
func (r *Recorder) Watch(fw *bundlehost.Framework) error {
	if fw == nil {
		return errNilFramework
	}
	if err := r.registry.Register(newStateCollector(fw)); err != nil {
		return fmt.Errorf("register bundle state collector: %w", err)
	}
	return nil
}

var trackedStates = []bundlehost.State{
	bundlehost.StateInstalled,
	bundlehost.StateResolved,
	bundlehost.StateStarting,
	bundlehost.StateStopping,
	bundlehost.StateActive,
}

// stateCollector reports bundles per state and the undelivered event count.
type stateCollector struct {
	fw          *bundlehost.Framework
	bundlesDesc *prometheus.Desc
	pendingDesc *prometheus.Desc
	upDesc      *prometheus.Desc
}

func newStateCollector(fw *bundlehost.Framework) *stateCollector {
	return &stateCollector{
		fw: fw,
		bundlesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "bundles"),
			"Installed bundles by lifecycle state.",
			[]string{"state"}, nil,
		),
		pendingDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "events", "pending"),
			"Events posted but not yet delivered.",
			nil, nil,
		),
		upDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "framework_active"),
			"1 while the framework bundle is ACTIVE.",
			nil, prometheus.Labels{"uuid": fw.UUID()},
		),
	}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bundlesDesc
	ch <- c.pendingDesc
	ch <- c.upDesc
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	counts := c.fw.StateCounts()
	for _, s := range trackedStates {
		ch <- prometheus.MustNewConstMetric(c.bundlesDesc, prometheus.GaugeValue, float64(counts[s]), s.String())
	}
	ch <- prometheus.MustNewConstMetric(c.pendingDesc, prometheus.GaugeValue, float64(c.fw.PendingEvents()))
	up := 0.0
	if c.fw.State() == bundlehost.StateActive {
		up = 1
	}
	ch <- prometheus.MustNewConstMetric(c.upDesc, prometheus.GaugeValue, up)
}
