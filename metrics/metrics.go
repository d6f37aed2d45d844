package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "peerlink"

var _stopwatchBuckets = []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5}

type vecEntry struct {
	labels []string
	vec    any
}

type registry struct {
	mu   sync.Mutex
	reg  *prometheus.Registry
	vecs map[string]*vecEntry
}

var _reg = newRegistry()

func newRegistry() *registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &registry{reg: reg, vecs: make(map[string]*vecEntry)}
}

// Reset drops every collector. Tests use it to start from zero.
func Reset() {
	_reg = newRegistry()
}

// Registry returns the registry backing the package functions.
func Registry() *prometheus.Registry {
	return _reg.reg
}

// Handler serves the registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(_reg.reg, promhttp.HandlerOpts{})
}

func labelNames(dim Dimension) []string {
	names := make([]string, 0, len(dim))
	for k := range dim {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func sameLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// lookup returns the vector registered under group/name, creating it with
// build on first use. A later call with a different label set is dropped.
func (r *registry) lookup(group, name string, dim Dimension, build func(opts prometheus.Opts, labels []string) prometheus.Collector) (any, bool) {
	labels := labelNames(dim)
	key := group + "/" + name

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.vecs[key]; ok {
		return e.vec, sameLabels(e.labels, labels)
	}
	c := build(prometheus.Opts{
		Namespace: namespace,
		Subsystem: sanitize(group),
		Name:      sanitize(name),
		Help:      group + " " + name,
	}, labels)
	if err := r.reg.Register(c); err != nil {
		return nil, false
	}
	r.vecs[key] = &vecEntry{labels: labels, vec: c}
	return c, true
}

func counterVec(group, name string, dim Dimension) (*prometheus.CounterVec, bool) {
	v, ok := _reg.lookup(group, name, dim, func(opts prometheus.Opts, labels []string) prometheus.Collector {
		return prometheus.NewCounterVec(prometheus.CounterOpts(opts), labels)
	})
	if !ok {
		return nil, false
	}
	cv, ok := v.(*prometheus.CounterVec)
	return cv, ok
}

func gaugeVec(group, name string, dim Dimension) (*prometheus.GaugeVec, bool) {
	v, ok := _reg.lookup(group, name, dim, func(opts prometheus.Opts, labels []string) prometheus.Collector {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts(opts), labels)
	})
	if !ok {
		return nil, false
	}
	gv, ok := v.(*prometheus.GaugeVec)
	return gv, ok
}

func histogramVec(group, name string, dim Dimension) (*prometheus.HistogramVec, bool) {
	v, ok := _reg.lookup(group, name, dim, func(opts prometheus.Opts, labels []string) prometheus.Collector {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: opts.Namespace,
			Subsystem: opts.Subsystem,
			Name:      opts.Name,
			Help:      opts.Help,
			Buckets:   _stopwatchBuckets,
		}, labels)
	})
	if !ok {
		return nil, false
	}
	hv, ok := v.(*prometheus.HistogramVec)
	return hv, ok
}

// IncrCounterWithGroup adds v to the counter group/name.
func IncrCounterWithGroup(group, name string, v Value) {
	IncrCounterWithDimGroup(group, name, v, nil)
}

// IncrCounterWithDimGroup adds v to the counter group/name with labels dim.
func IncrCounterWithDimGroup(group, name string, v Value, dim Dimension) {
	if cv, ok := counterVec(group, name, dim); ok {
		cv.With(prometheus.Labels(dim)).Add(float64(v))
	}
}

// UpdateGaugeWithGroup sets the gauge group/name to v.
func UpdateGaugeWithGroup(group, name string, v Value) {
	UpdateGaugeWithDimGroup(group, name, v, nil)
}

// UpdateGaugeWithDimGroup sets the gauge group/name under the labels in dim.
// The label names must stay the same for every call on one metric.
func UpdateGaugeWithDimGroup(group, name string, v Value, dim Dimension) {
	if gv, ok := gaugeVec(group, name, dim); ok {
		gv.With(prometheus.Labels(dim)).Set(float64(v))
	}
}

// AddGaugeWithGroup moves the gauge group/name by delta.
func AddGaugeWithGroup(group, name string, delta Value) {
	if gv, ok := gaugeVec(group, name, nil); ok {
		gv.With(nil).Add(float64(delta))
	}
}

// RecordStopwatchWithGroup observes the time elapsed since start, in seconds.
func RecordStopwatchWithGroup(group, name string, start time.Time) {
	RecordStopwatchWithDimGroup(group, name, start, nil)
}

// RecordStopwatchWithDimGroup observes the time since start under the labels
// in dim.
func RecordStopwatchWithDimGroup(group, name string, start time.Time, dim Dimension) {
	if hv, ok := histogramVec(group, name, dim); ok {
		hv.With(prometheus.Labels(dim)).Observe(time.Since(start).Seconds())
	}
}
