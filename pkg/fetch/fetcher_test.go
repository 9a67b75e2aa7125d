package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/album-scraper/pkg/config"
	"github.com/Sriram-PR/album-scraper/pkg/utils"
)

// testConfig returns an AppConfig with fast delays for plain-http test mirrors
func testConfig() *config.AppConfig {
	return &config.AppConfig{
		MirrorScheme:       "http",
		UserAgent:          "album-scraper-test",
		MirrorAttemptDelay: time.Millisecond,
		RotationCooldown:   10 * time.Millisecond,
		MaxBodyBytes:       1 << 20,
	}
}

// testLogger returns a logger that discards output
func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// mirrorServer starts a test mirror answering every request with status and body.
// Returns the bare host:port and a request counter.
func mirrorServer(t *testing.T, status int, body string) (string, *atomic.Int32) {
	t.Helper()
	hits := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(server.Close)
	return strings.TrimPrefix(server.URL, "http://"), hits
}

func newTestFetcher(t *testing.T, mirrors []string, cfg *config.AppConfig, client *http.Client) (*FailoverFetcher, *MirrorRotation) {
	t.Helper()
	rotation := newTestRotation(t, mirrors, cfg.RotationCooldown)
	return NewFailoverFetcher(client, rotation, cfg, testLogger()), rotation
}

func TestFetch_FirstMirrorSucceeds(t *testing.T) {
	var gotUA, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		gotPath = r.URL.RequestURI()
		io.WriteString(w, "<html>ok</html>")
	}))
	t.Cleanup(server.Close)
	host := strings.TrimPrefix(server.URL, "http://")
	other, otherHits := mirrorServer(t, http.StatusOK, "other")

	f, rotation := newTestFetcher(t, []string{host, other}, testConfig(), testClient(5*time.Second))

	body, err := f.Fetch(context.Background(), "/a/abc123?page=2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != "<html>ok</html>" {
		t.Errorf("unexpected body: %q", body)
	}
	if gotUA != "album-scraper-test" {
		t.Errorf("expected configured User-Agent, got %q", gotUA)
	}
	if gotPath != "/a/abc123?page=2" {
		t.Errorf("expected path with query, got %q", gotPath)
	}
	if otherHits.Load() != 0 {
		t.Errorf("second mirror should not be contacted, got %d hits", otherHits.Load())
	}
	if rotation.Cursor() != 1 {
		t.Errorf("expected cursor past mirror 0, got %d", rotation.Cursor())
	}
}

func TestFetch_FailsOverToNextMirror(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"404 Not Found", http.StatusNotFound},
		{"403 Forbidden", http.StatusForbidden},
		{"500 Internal Server Error", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad, badHits := mirrorServer(t, tt.status, "")
			good, goodHits := mirrorServer(t, http.StatusOK, "page")
			spare, _ := mirrorServer(t, http.StatusOK, "spare")

			f, rotation := newTestFetcher(t, []string{bad, good, spare}, testConfig(), testClient(5*time.Second))

			body, err := f.Fetch(context.Background(), "/a/x")
			if err != nil {
				t.Fatalf("expected failover success, got: %v", err)
			}
			if string(body) != "page" {
				t.Errorf("unexpected body: %q", body)
			}
			if badHits.Load() != 1 || goodHits.Load() != 1 {
				t.Errorf("expected one hit each, got bad=%d good=%d", badHits.Load(), goodHits.Load())
			}
			if rotation.Cursor() != 2 {
				t.Errorf("expected cursor past the serving mirror (2), got %d", rotation.Cursor())
			}
		})
	}
}

func TestFetch_StartsFromCursorAndWraps(t *testing.T) {
	m0, hits0 := mirrorServer(t, http.StatusOK, "zero")
	m1, hits1 := mirrorServer(t, http.StatusNotFound, "")
	m2, hits2 := mirrorServer(t, http.StatusNotFound, "")

	f, rotation := newTestFetcher(t, []string{m0, m1, m2}, testConfig(), testClient(5*time.Second))
	rotation.AdvancePast(0) // cursor -> 1

	body, err := f.Fetch(context.Background(), "/a/x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != "zero" {
		t.Errorf("expected body from wrapped mirror 0, got %q", body)
	}
	if hits1.Load() != 1 || hits2.Load() != 1 || hits0.Load() != 1 {
		t.Errorf("expected each mirror tried once, got %d/%d/%d", hits0.Load(), hits1.Load(), hits2.Load())
	}
	if rotation.Cursor() != 1 {
		t.Errorf("expected cursor 1, got %d", rotation.Cursor())
	}
}

func TestFetch_AllMirrorsExhausted(t *testing.T) {
	m0, hits0 := mirrorServer(t, http.StatusInternalServerError, "")
	m1, hits1 := mirrorServer(t, http.StatusNotFound, "")

	f, _ := newTestFetcher(t, []string{m0, m1}, testConfig(), testClient(5*time.Second))

	_, err := f.Fetch(context.Background(), "/a/gone")
	if err == nil {
		t.Fatal("expected error when every mirror fails")
	}
	if !errors.Is(err, utils.ErrAllMirrorsExhausted) {
		t.Errorf("expected ErrAllMirrorsExhausted, got: %v", err)
	}
	if !errors.Is(err, utils.ErrMirrorNotFound) {
		t.Errorf("expected last error (404) to be wrapped, got: %v", err)
	}
	var exhausted *MirrorsExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected *MirrorsExhaustedError, got %T", err)
	}
	if len(exhausted.Tried) != 2 || exhausted.Tried[0] != m0 || exhausted.Tried[1] != m1 {
		t.Errorf("unexpected tried list: %v", exhausted.Tried)
	}
	if hits0.Load() != 1 || hits1.Load() != 1 {
		t.Errorf("each mirror should be tried exactly once, got %d/%d", hits0.Load(), hits1.Load())
	}
	if got := utils.CategorizeError(err); got != "AllMirrorsExhausted_NotFound" {
		t.Errorf("unexpected category %q", got)
	}
}

func TestFetch_TimeoutIsClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(server.Close)
	host := strings.TrimPrefix(server.URL, "http://")

	f, _ := newTestFetcher(t, []string{host}, testConfig(), testClient(50*time.Millisecond))

	_, err := f.Fetch(context.Background(), "/a/slow")
	if !errors.Is(err, utils.ErrMirrorTimeout) {
		t.Fatalf("expected ErrMirrorTimeout, got: %v", err)
	}
}

func TestFetch_UnreachableMirrorIsTransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	host := strings.TrimPrefix(server.URL, "http://")
	server.Close()

	f, _ := newTestFetcher(t, []string{host}, testConfig(), testClient(2*time.Second))

	_, err := f.Fetch(context.Background(), "/a/x")
	if !errors.Is(err, utils.ErrMirrorTransport) {
		t.Fatalf("expected ErrMirrorTransport, got: %v", err)
	}
	if !errors.Is(err, utils.ErrAllMirrorsExhausted) {
		t.Errorf("expected ErrAllMirrorsExhausted, got: %v", err)
	}
}

func TestFetch_ShutdownStopsBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel() // shutdown arrives while this request is in flight
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(first.Close)
	second, secondHits := mirrorServer(t, http.StatusOK, "late")

	cfg := testConfig()
	cfg.MirrorAttemptDelay = 5 * time.Second
	f, _ := newTestFetcher(t, []string{strings.TrimPrefix(first.URL, "http://"), second}, cfg, testClient(5*time.Second))

	start := time.Now()
	_, err := f.Fetch(ctx, "/a/x")
	if !errors.Is(err, utils.ErrShutdownInProgress) {
		t.Fatalf("expected ErrShutdownInProgress, got: %v", err)
	}
	if !errors.Is(err, utils.ErrMirrorHTTPError) {
		t.Errorf("expected the completed attempt's error to be kept, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("attempt delay was not interrupted (%v)", elapsed)
	}
	if secondHits.Load() != 0 {
		t.Errorf("no further mirror should be tried after shutdown, got %d", secondHits.Load())
	}
}

func TestFetch_OversizedBodyFailsOver(t *testing.T) {
	bigHost, bigHits := mirrorServer(t, http.StatusOK, strings.Repeat("x", 51))
	okHost, okHits := mirrorServer(t, http.StatusOK, strings.Repeat("y", 50))
	cfg := testConfig()
	cfg.MaxBodyBytes = 50

	f, rotation := newTestFetcher(t, []string{bigHost, okHost}, cfg, testClient(5*time.Second))
	body, err := f.Fetch(context.Background(), "/a/x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != strings.Repeat("y", 50) {
		t.Errorf("expected the body exactly at the limit from the second mirror, got %d bytes", len(body))
	}
	if bigHits.Load() != 1 || okHits.Load() != 1 {
		t.Errorf("expected one hit per mirror, got %d and %d", bigHits.Load(), okHits.Load())
	}
	if rotation.Cursor() != 0 {
		t.Errorf("cursor should move past the serving mirror, got %d", rotation.Cursor())
	}
}

func TestFetch_OversizedBodyIsNotTruncated(t *testing.T) {
	page := `<div id="galleryGrid"></div>` + strings.Repeat(" ", 200) + `<a rel="next" href="?page=2">next</a>`
	host, _ := mirrorServer(t, http.StatusOK, page)
	cfg := testConfig()
	cfg.MaxBodyBytes = int64(len(page) - 20)

	f, _ := newTestFetcher(t, []string{host}, cfg, testClient(5*time.Second))
	body, err := f.Fetch(context.Background(), "/a/x")
	if body != nil {
		t.Errorf("expected no body for an oversized page, got %d bytes", len(body))
	}
	if !errors.Is(err, utils.ErrResponseBodyRead) {
		t.Errorf("expected ErrResponseBodyRead, got: %v", err)
	}
	if !errors.Is(err, utils.ErrAllMirrorsExhausted) {
		t.Errorf("expected ErrAllMirrorsExhausted, got: %v", err)
	}
	if got := utils.CategorizeError(err); got != "AllMirrorsExhausted_BodyRead" {
		t.Errorf("category = %q, want AllMirrorsExhausted_BodyRead", got)
	}
}

func TestFetch_PerMirrorLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		io.WriteString(w, "ok")
	}))
	t.Cleanup(server.Close)

	cfg := testConfig()
	cfg.MaxRequestsPerMirror = 1
	cfg.RotationCooldown = 0
	f, _ := newTestFetcher(t, []string{strings.TrimPrefix(server.URL, "http://")}, cfg, testClient(5*time.Second))

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := f.Fetch(context.Background(), "/a/x")
			done <- err
		}()
	}
	for i := 0; i < 4; i++ {
		if err := <-done; err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if peak.Load() != 1 {
		t.Errorf("expected at most 1 concurrent request per mirror, saw %d", peak.Load())
	}
}

func TestNewMirrorSemaphores_Unlimited(t *testing.T) {
	s := NewMirrorSemaphores([]string{"a.example"}, 0)
	if s != nil {
		t.Fatal("expected nil pool for unlimited")
	}
	if err := s.Acquire(context.Background(), "a.example"); err != nil {
		t.Errorf("nil pool Acquire should be a no-op, got %v", err)
	}
	s.Release("a.example")
	if s.Limit() != 0 {
		t.Errorf("expected limit 0, got %d", s.Limit())
	}
}
