// Package metrics exports build farm gauges and counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/narvanalabs/buildfarm/internal/models"
)

const namespace = "buildfarm"

// Collector holds the farm's metrics. A nil *Collector is valid and records
// nothing.
type Collector struct {
	registry *prometheus.Registry

	jobsEnqueued  prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobsCancelled *prometheus.CounterVec
	hangs         prometheus.Counter
	waiting       prometheus.Gauge
	building      prometheus.Gauge
	machines      *prometheus.GaugeVec
	admissions    prometheus.Counter
	buildSeconds  *prometheus.HistogramVec
}

// New creates a Collector registered on its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "How many build jobs have been enqueued",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "How many build jobs have finished, by result",
		}, []string{"result"}),
		jobsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cancelled_total",
			Help:      "How many build jobs have been cancelled, by reason",
		}, []string{"reason"}),
		hangs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hung_builds_total",
			Help:      "How many builds were reclaimed for producing no output",
		}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_waiting",
			Help:      "Build jobs waiting for admission",
		}),
		building: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_building",
			Help:      "Build jobs currently building",
		}),
		machines: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "machines",
			Help:      "Build machines by status",
		}, []string{"status"}),
		admissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_cycles_total",
			Help:      "How many admission cycles have run",
		}),
		buildSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Duration of finished builds",
			Buckets:   prometheus.ExponentialBuckets(30, 2, 10),
		}, []string{"distro", "result"}),
	}

	c.registry.MustRegister(
		c.jobsEnqueued,
		c.jobsFinished,
		c.jobsCancelled,
		c.hangs,
		c.waiting,
		c.building,
		c.machines,
		c.admissions,
		c.buildSeconds,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) JobEnqueued() {
	if c == nil {
		return
	}
	c.jobsEnqueued.Inc()
}

// JobFinished records a finished build and its duration.
func (c *Collector) JobFinished(distro string, succeeded bool, d time.Duration) {
	if c == nil {
		return
	}
	result := "failure"
	if succeeded {
		result = "success"
	}
	c.jobsFinished.WithLabelValues(result).Inc()
	c.buildSeconds.WithLabelValues(distro, result).Observe(d.Seconds())
}

func (c *Collector) JobCancelled(reason string) {
	if c == nil {
		return
	}
	c.jobsCancelled.WithLabelValues(reason).Inc()
}

func (c *Collector) HangDetected() {
	if c == nil {
		return
	}
	c.hangs.Inc()
}

// AdmissionCycle records one admission cycle and the job counts it saw.
func (c *Collector) AdmissionCycle(waiting, building int) {
	if c == nil {
		return
	}
	c.admissions.Inc()
	c.waiting.Set(float64(waiting))
	c.building.Set(float64(building))
}

// ObservePool sets the machine gauges from a pool snapshot.
func (c *Collector) ObservePool(machines []*models.Machine) {
	if c == nil {
		return
	}
	counts := map[models.MachineStatus]int{
		models.MachineStatusAvailable: 0,
		models.MachineStatusBuilding:  0,
		models.MachineStatusStopping:  0,
	}
	for _, m := range machines {
		counts[m.Status]++
	}
	for status, n := range counts {
		c.machines.WithLabelValues(string(status)).Set(float64(n))
	}
}
