// Package metrics exposes service and per-camera pipeline metrics on a
// dedicated Prometheus registry, refreshed from controller status rather
// than instrumented inline.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/technosupport/ts-fts/internal/pipeline"
)

// Snapshot is what the collector scrapes each interval.
type Snapshot struct {
	Running    bool
	Identities int
	Cameras    []pipeline.Stats
}

// Source supplies snapshots; the FTS controller implements it.
type Source interface {
	MetricsSnapshot() Snapshot
}

// Collector owns its registry so tests and multiple service instances
// never fight over the default one.
type Collector struct {
	source   Source
	registry *prometheus.Registry

	up         prometheus.Gauge
	identities prometheus.Gauge

	cameraState       *prometheus.GaugeVec
	cameraFPSIn       *prometheus.GaugeVec
	cameraFPSOut      *prometheus.GaugeVec
	detectionsTotal   *prometheus.GaugeVec
	recognitionsTotal *prometheus.GaugeVec
	unknownTracks     *prometheus.GaugeVec
}

func NewCollector(source Source) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{source: source, registry: reg}

	c.up = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fts_up",
		Help: "Whether the tracking service is running (1=running)",
	})
	reg.MustRegister(c.up)

	c.identities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fts_identities",
		Help: "Number of enrolled identities in the index",
	})
	reg.MustRegister(c.identities)

	c.cameraState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fts_camera_state",
		Help: "Pipeline state per camera (1 for the active state)",
	}, []string{"camera", "state"})
	reg.MustRegister(c.cameraState)

	c.cameraFPSIn = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fts_camera_fps_in",
		Help: "Capture frames per second per camera",
	}, []string{"camera"})
	reg.MustRegister(c.cameraFPSIn)

	c.cameraFPSOut = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fts_camera_fps_out",
		Help: "Published frames per second per camera",
	}, []string{"camera"})
	reg.MustRegister(c.cameraFPSOut)

	c.detectionsTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fts_camera_detections_total",
		Help: "Cumulative face detections per camera",
	}, []string{"camera"})
	reg.MustRegister(c.detectionsTotal)

	c.recognitionsTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fts_camera_recognitions_total",
		Help: "Cumulative identifications per camera",
	}, []string{"camera"})
	reg.MustRegister(c.recognitionsTotal)

	c.unknownTracks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fts_camera_unknown_tracks",
		Help: "Live tracks without an assigned identity per camera",
	}, []string{"camera"})
	reg.MustRegister(c.unknownTracks)

	return c
}

// Refresh pulls one snapshot into the gauges.
func (c *Collector) Refresh() {
	snap := c.source.MetricsSnapshot()

	if snap.Running {
		c.up.Set(1)
	} else {
		c.up.Set(0)
	}
	c.identities.Set(float64(snap.Identities))

	c.cameraState.Reset()
	for _, cam := range snap.Cameras {
		c.cameraState.WithLabelValues(cam.CameraID, string(cam.State)).Set(1)
		c.cameraFPSIn.WithLabelValues(cam.CameraID).Set(cam.FPSIn)
		c.cameraFPSOut.WithLabelValues(cam.CameraID).Set(cam.FPSOut)
		c.detectionsTotal.WithLabelValues(cam.CameraID).Set(float64(cam.DetectionsTotal))
		c.recognitionsTotal.WithLabelValues(cam.CameraID).Set(float64(cam.RecognitionsTotal))
		c.unknownTracks.WithLabelValues(cam.CameraID).Set(float64(cam.UnknownTracks))
	}
}

// Run refreshes until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh()
		}
	}
}

// Handler serves the registry for scraping.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
