// Package metrics exposes the Prometheus collectors for ingestion, photo
// persistence and repair sweeps, plus the /metrics HTTP handler.
//
// Every recording method is safe to call on a nil *Directory so components
// can run without a registry in tests and one-off scripts.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "directory"

// Directory groups all collectors of the ingestion engine.
type Directory struct {
	Candidates    *prometheus.CounterVec
	Records       *prometheus.CounterVec
	PhotoFetches  *prometheus.CounterVec
	PhotoRejects  *prometheus.CounterVec
	PhotoUploads  *prometheus.CounterVec
	RepairRecords *prometheus.CounterVec
	PagesFetched  prometheus.Counter
	StageDuration *prometheus.HistogramVec
	LastRun       prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Directory, error) {
	d := &Directory{
		Candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Candidates seen by the pipeline, by outcome.",
		}, []string{"outcome"}),
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_written_total",
			Help:      "Record writes by result (inserted, updated, duplicate, failed).",
		}, []string{"result"}),
		PhotoFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "photo_fetch_attempts_total",
			Help:      "Photo fetch attempts by route and result.",
		}, []string{"route", "result"}),
		PhotoRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "photo_rejected_total",
			Help:      "Fetched photos rejected before upload, by reason.",
		}, []string{"reason"}),
		PhotoUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "photo_uploads_total",
			Help:      "Photo uploads to durable storage by result.",
		}, []string{"result"}),
		RepairRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repair_records_total",
			Help:      "Records visited by the photo repair sweep, by result.",
		}, []string{"result"}),
		PagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "places_pages_fetched_total",
			Help:      "Search result pages fetched from the places provider.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Per-candidate stage duration.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"stage"}),
		LastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last finished ingestion or repair run.",
		}),
	}

	for _, c := range []prometheus.Collector{
		d.Candidates, d.Records, d.PhotoFetches, d.PhotoRejects, d.PhotoUploads,
		d.RepairRecords, d.PagesFetched, d.StageDuration, d.LastRun,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}
	return d, nil
}

// NewRegistry returns a registry preloaded with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func (d *Directory) Candidate(outcome string) {
	if d == nil {
		return
	}
	d.Candidates.WithLabelValues(outcome).Inc()
}

func (d *Directory) Record(result string) {
	if d == nil {
		return
	}
	d.Records.WithLabelValues(result).Inc()
}

func (d *Directory) PhotoFetch(route, result string) {
	if d == nil {
		return
	}
	d.PhotoFetches.WithLabelValues(route, result).Inc()
}

func (d *Directory) PhotoReject(reason string) {
	if d == nil {
		return
	}
	d.PhotoRejects.WithLabelValues(reason).Inc()
}

func (d *Directory) PhotoUpload(result string) {
	if d == nil {
		return
	}
	d.PhotoUploads.WithLabelValues(result).Inc()
}

func (d *Directory) Repair(result string) {
	if d == nil {
		return
	}
	d.RepairRecords.WithLabelValues(result).Inc()
}

func (d *Directory) Page() {
	if d == nil {
		return
	}
	d.PagesFetched.Inc()
}

// ObserveStage records the time spent in stage since start.
func (d *Directory) ObserveStage(stage string, start time.Time) {
	if d == nil {
		return
	}
	d.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// MarkRun stamps the last-run gauge with now.
func (d *Directory) MarkRun() {
	if d == nil {
		return
	}
	d.LastRun.SetToCurrentTime()
}
