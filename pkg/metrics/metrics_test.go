package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if mirrorRequestsTotal == nil || rotationCyclesTotal == nil || pagesTotal == nil ||
		filesSavedTotal == nil || albumsTotal == nil || albumsInFlight == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(mirrorRequestsTotal.WithLabelValues("m.example", "ok"))
	ObserveMirrorRequest("m.example", "ok")
	if got := testutil.ToFloat64(mirrorRequestsTotal.WithLabelValues("m.example", "ok")); got != before+1 {
		t.Errorf("mirror requests = %f, want %f", got, before+1)
	}

	beforeFiles := testutil.ToFloat64(filesSavedTotal)
	AddFilesSaved(3)
	AddFilesSaved(0)
	if got := testutil.ToFloat64(filesSavedTotal); got != beforeFiles+3 {
		t.Errorf("files saved = %f, want %f", got, beforeFiles+3)
	}

	beforeGauge := testutil.ToFloat64(albumsInFlight)
	IncAlbumsInFlight()
	IncAlbumsInFlight()
	DecAlbumsInFlight()
	if got := testutil.ToFloat64(albumsInFlight); got != beforeGauge+1 {
		t.Errorf("in flight = %f, want %f", got, beforeGauge+1)
	}
	DecAlbumsInFlight()

	beforePages := testutil.ToFloat64(pagesTotal.WithLabelValues("success"))
	ObservePage("success", 25*time.Millisecond)
	if got := testutil.ToFloat64(pagesTotal.WithLabelValues("success")); got != beforePages+1 {
		t.Errorf("pages = %f, want %f", got, beforePages+1)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveRotationCycle()
	ObserveAlbum("done")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"album_scraper_rotation_cycles_total", "album_scraper_albums_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
