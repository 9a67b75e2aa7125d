// Package metrics exposes Prometheus collectors for the album scraper.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mirrorRequestsTotal *prometheus.CounterVec
	rotationCyclesTotal prometheus.Counter
	pagesTotal          *prometheus.CounterVec
	pageFetchSeconds    prometheus.Histogram
	filesSavedTotal     prometheus.Counter
	albumsTotal         *prometheus.CounterVec
	albumsInFlight      prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		mirrorRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "album_scraper_mirror_requests_total",
				Help: "Requests sent to mirrors, labeled by mirror and outcome category.",
			},
			[]string{"mirror", "outcome"},
		)

		rotationCyclesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "album_scraper_rotation_cycles_total",
				Help: "Number of times the mirror rotation cursor wrapped around.",
			},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "album_scraper_pages_total",
				Help: "Gallery pages processed, labeled by status.",
			},
			[]string{"status"},
		)

		pageFetchSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "album_scraper_page_fetch_seconds",
				Help:    "Time spent fetching one page through the mirror rotation.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 15, 30, 60},
			},
		)

		filesSavedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "album_scraper_files_saved_total",
				Help: "File records newly persisted (duplicates excluded).",
			},
		)

		albumsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "album_scraper_albums_total",
				Help: "Album crawls finished, labeled by outcome.",
			},
			[]string{"status"},
		)

		albumsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "album_scraper_albums_in_flight",
				Help: "Album crawls currently running.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveMirrorRequest counts one request against a mirror.
func ObserveMirrorRequest(mirror, outcome string) {
	Init()
	mirrorRequestsTotal.WithLabelValues(mirror, outcome).Inc()
}

// ObserveRotationCycle counts one full wrap of the mirror list.
func ObserveRotationCycle() {
	Init()
	rotationCyclesTotal.Inc()
}

// ObservePage counts one processed page and records how long its fetch took.
func ObservePage(status string, fetchDuration time.Duration) {
	Init()
	pagesTotal.WithLabelValues(status).Inc()
	if fetchDuration > 0 {
		pageFetchSeconds.Observe(fetchDuration.Seconds())
	}
}

// AddFilesSaved adds newly persisted files to the total.
func AddFilesSaved(n int) {
	Init()
	if n > 0 {
		filesSavedTotal.Add(float64(n))
	}
}

// ObserveAlbum counts one finished album crawl.
func ObserveAlbum(status string) {
	Init()
	albumsTotal.WithLabelValues(status).Inc()
}

// IncAlbumsInFlight increments the in-flight gauge.
func IncAlbumsInFlight() {
	Init()
	albumsInFlight.Inc()
}

// DecAlbumsInFlight decrements the in-flight gauge.
func DecAlbumsInFlight() {
	Init()
	albumsInFlight.Dec()
}
