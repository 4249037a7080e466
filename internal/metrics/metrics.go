// Package metrics exposes cycle, dispatch and failure counters to
// Prometheus. Collectors are fed from the event bus, so the engine has no
// dependency on this package.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spacewatch/internal/eventbus"
)

const namespace = "spacewatch"

type Collector struct {
	reg *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	lastCycle     prometheus.Gauge
	dispatched    *prometheus.CounterVec
	dispatchDur   *prometheus.HistogramVec
	failures      *prometheus.CounterVec
	pruned        prometheus.Counter
	busDropped    prometheus.GaugeFunc
}

// New builds a collector on a private registry. dropped, when non-nil,
// reports event bus deliveries lost to slow subscribers.
func New(dropped func() uint64) *Collector {
	c := &Collector{reg: prometheus.NewRegistry()}
	c.cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_total",
		Help:      "Poll cycles run, by outcome",
	}, []string{"outcome"})
	c.cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of a poll cycle",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
	c.lastCycle = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_cycle_timestamp_seconds",
		Help:      "Unix time the last poll cycle finished",
	})
	c.dispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "items_dispatched_total",
		Help:      "Dispatch attempts for new items, by source and result",
	}, []string{"source", "result"})
	c.dispatchDur = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Time spent delivering one item, retries included",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})
	c.failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_failures_total",
		Help:      "Source pipeline failures, by source and stage",
	}, []string{"source", "stage"})
	c.pruned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_pruned_records_total",
		Help:      "Seen records removed by retention",
	})

	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.cycles, c.cycleDuration, c.lastCycle, c.dispatched, c.dispatchDur, c.failures, c.pruned,
	)
	if dropped != nil {
		c.busDropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Events lost to full subscriber buffers",
		}, func() float64 { return float64(dropped()) })
		c.reg.MustRegister(c.busDropped)
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Run consumes bus events until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}

func (c *Collector) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.CycleEvent:
		if e.Type != eventbus.CycleFinished {
			return
		}
		outcome := "ok"
		if d.Failed > 0 {
			outcome = "failed"
		}
		c.cycles.WithLabelValues(outcome).Inc()
		c.cycleDuration.Observe(d.Duration.Seconds())
		c.lastCycle.Set(float64(e.Time.Unix()))
	case eventbus.ItemEvent:
		result := "delivered"
		if !d.Delivered {
			result = "failed"
		}
		c.dispatched.WithLabelValues(d.SourceID, result).Inc()
		c.dispatchDur.WithLabelValues(d.SourceID).Observe(d.Duration.Seconds())
	case eventbus.SourceFailure:
		c.failures.WithLabelValues(d.SourceID, d.Stage).Inc()
	case eventbus.PruneEvent:
		c.pruned.Add(float64(d.Removed))
	}
}
