package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sriram-PR/album-scraper/pkg/config"
	"github.com/Sriram-PR/album-scraper/pkg/fetch"
	"github.com/Sriram-PR/album-scraper/pkg/models"
	"github.com/Sriram-PR/album-scraper/pkg/utils"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func testConfig() *config.AppConfig {
	return &config.AppConfig{
		PageMaxRetries: 2,
		PageRetryUnit:  time.Millisecond,
		EmptyPageLimit: 2,
	}
}

// galleryHTML renders a gallery page holding one item per download link
func galleryHTML(hasNext bool, links ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div id="galleryGrid">`)
	for _, l := range links {
		fmt.Fprintf(&b, `<div class="theItem" title="%s"><span class="type-video"></span><p class="theSize">1 MB</p><a aria-label="download" href="%s">dl</a></div>`, l, l)
	}
	b.WriteString(`</div>`)
	if hasNext {
		b.WriteString(`<ul class="pagination"><li class="disabled">1</li><li><a rel="next">»</a></li></ul>`)
	} else {
		b.WriteString(`<ul class="pagination"><li>1</li><li class="disabled">»</li></ul>`)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

type fakeFetcher struct {
	mu       sync.Mutex
	pages    map[string]string
	failures map[string]int // Remaining failures before the page is served
	calls    []string
	onFetch  func(path string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: map[string]string{}, failures: map[string]int{}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, path)
	failing := f.failures[path] > 0
	if failing {
		f.failures[path]--
	}
	html, ok := f.pages[path]
	onFetch := f.onFetch
	f.mu.Unlock()

	if onFetch != nil {
		onFetch(path)
	}
	if failing || !ok {
		return nil, &fetch.MirrorsExhaustedError{
			Path:  path,
			Tried: []string{"m1.example", "m2.example"},
			Last:  fmt.Errorf("%w: m2.example returned 404 Not Found", utils.ErrMirrorNotFound),
		}
	}
	return []byte(html), nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type memFileStore struct {
	mu       sync.Mutex
	files    map[string]models.File
	failNext int // Number of upcoming saves that fail
}

func newMemFileStore() *memFileStore {
	return &memFileStore{files: map[string]models.File{}}
}

func (s *memFileStore) SaveFileIfAbsent(file models.File) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return false, fmt.Errorf("%w: disk unavailable", utils.ErrDatabase)
	}
	if _, ok := s.files[file.Link]; ok {
		return false, nil
	}
	s.files[file.Link] = file
	return true, nil
}

func (s *memFileStore) HasFile(link string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[link]
	return ok, nil
}

func newTestCrawler(f *fakeFetcher, s *memFileStore, cfg *config.AppConfig) *AlbumCrawler {
	return NewAlbumCrawler(f, s, cfg, testLogger())
}

var testAlbum = models.Album{Name: "Trip", Link: "https://bunkr.si/a/trip"}

func TestCrawl_SinglePage(t *testing.T) {
	f := newFakeFetcher()
	f.pages["/a/trip"] = galleryHTML(false, "/f/1", "/f/2")
	store := newMemFileStore()

	total, err := newTestCrawler(f, store, testConfig()).Crawl(context.Background(), testAlbum)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, []string{"/a/trip"}, f.Calls())
	assert.Equal(t, testAlbum.Link, store.files["/f/1"].AlbumLink)
}

func TestCrawl_WalksPagesInOrder(t *testing.T) {
	f := newFakeFetcher()
	f.pages["/a/trip"] = galleryHTML(true, "/f/1", "/f/2")
	f.pages["/a/trip?page=2"] = galleryHTML(true, "/f/3")
	f.pages["/a/trip?page=3"] = galleryHTML(false, "/f/4")
	store := newMemFileStore()

	total, err := newTestCrawler(f, store, testConfig()).Crawl(context.Background(), testAlbum)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, []string{"/a/trip", "/a/trip?page=2", "/a/trip?page=3"}, f.Calls())
}

func TestCrawl_StopsAfterTwoPagesWithoutNewFiles(t *testing.T) {
	f := newFakeFetcher()
	// Mirror keeps claiming more pages while serving the same content
	f.pages["/a/trip"] = galleryHTML(true, "/f/1", "/f/2")
	f.pages["/a/trip?page=2"] = galleryHTML(true, "/f/1", "/f/2")
	f.pages["/a/trip?page=3"] = galleryHTML(true, "/f/1")
	f.pages["/a/trip?page=4"] = galleryHTML(true, "/f/9")
	store := newMemFileStore()

	total, err := newTestCrawler(f, store, testConfig()).Crawl(context.Background(), testAlbum)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, []string{"/a/trip", "/a/trip?page=2", "/a/trip?page=3"}, f.Calls(), "page 4 must not be fetched")
}

func TestCrawl_EmptyStreakResetsOnNewFiles(t *testing.T) {
	f := newFakeFetcher()
	f.pages["/a/trip"] = galleryHTML(true)
	f.pages["/a/trip?page=2"] = galleryHTML(true, "/f/1")
	f.pages["/a/trip?page=3"] = galleryHTML(true)
	f.pages["/a/trip?page=4"] = galleryHTML(false, "/f/2")
	store := newMemFileStore()

	total, err := newTestCrawler(f, store, testConfig()).Crawl(context.Background(), testAlbum)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, f.Calls(), 4)
}

func TestCrawl_RetriesFailedFetch(t *testing.T) {
	f := newFakeFetcher()
	f.pages["/a/trip"] = galleryHTML(false, "/f/1")
	f.failures["/a/trip"] = 2
	store := newMemFileStore()

	total, err := newTestCrawler(f, store, testConfig()).Crawl(context.Background(), testAlbum)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, f.Calls(), 3, "two failures plus the successful attempt")
}

func TestCrawl_RetryBackoffIsLinear(t *testing.T) {
	f := newFakeFetcher()
	f.pages["/a/trip"] = galleryHTML(false, "/f/1")
	f.failures["/a/trip"] = 2
	cfg := testConfig()
	cfg.PageRetryUnit = 40 * time.Millisecond

	start := time.Now()
	_, err := newTestCrawler(f, newMemFileStore(), cfg).Crawl(context.Background(), testAlbum)
	require.NoError(t, err)
	// 1*unit after the first failure, 2*unit after the second
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
}

func TestCrawl_RetriesExhausted(t *testing.T) {
	f := newFakeFetcher()
	f.pages["/a/trip"] = galleryHTML(true, "/f/1")
	f.failures["/a/trip?page=2"] = 10
	f.pages["/a/trip?page=2"] = galleryHTML(false, "/f/2")
	store := newMemFileStore()

	total, err := newTestCrawler(f, store, testConfig()).Crawl(context.Background(), testAlbum)
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrPageRetryExhausted)
	assert.ErrorIs(t, err, utils.ErrAllMirrorsExhausted)
	assert.ErrorIs(t, err, utils.ErrMirrorNotFound)
	assert.Equal(t, "PageRetryExhausted", utils.CategorizeError(err))
	assert.Equal(t, 1, total, "files stored before the failure are still reported")
	assert.Len(t, f.Calls(), 4, "page 1 once, page 2 three times")
}

func TestCrawl_StoreErrorRetriesPage(t *testing.T) {
	f := newFakeFetcher()
	f.pages["/a/trip"] = galleryHTML(false, "/f/1", "/f/2", "/f/3")
	store := newMemFileStore()
	store.failNext = 1

	total, err := newTestCrawler(f, store, testConfig()).Crawl(context.Background(), testAlbum)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, f.Calls(), 2)
}

func TestCrawl_ShutdownBeforeStart(t *testing.T) {
	f := newFakeFetcher()
	f.pages["/a/trip"] = galleryHTML(false, "/f/1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	total, err := newTestCrawler(f, newMemFileStore(), testConfig()).Crawl(ctx, testAlbum)
	assert.ErrorIs(t, err, utils.ErrShutdownInProgress)
	assert.True(t, utils.IsShutdown(err))
	assert.Zero(t, total)
	assert.Empty(t, f.Calls())
}

func TestCrawl_ShutdownBetweenPages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFakeFetcher()
	f.pages["/a/trip"] = galleryHTML(true, "/f/1")
	f.pages["/a/trip?page=2"] = galleryHTML(false, "/f/2")
	store := newMemFileStore()
	f.onFetch = func(path string) {
		if path == "/a/trip" {
			// Arrives after the response, so the page's files are not saved either
			cancel()
		}
	}

	total, err := newTestCrawler(f, store, testConfig()).Crawl(ctx, testAlbum)
	assert.ErrorIs(t, err, utils.ErrShutdownInProgress)
	assert.Zero(t, total)
	assert.Equal(t, []string{"/a/trip"}, f.Calls())
}

func TestCrawl_ShutdownDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFakeFetcher()
	f.failures["/a/trip"] = 5
	f.onFetch = func(string) { cancel() }
	cfg := testConfig()
	cfg.PageRetryUnit = time.Hour

	start := time.Now()
	_, err := newTestCrawler(f, newMemFileStore(), cfg).Crawl(ctx, testAlbum)
	assert.ErrorIs(t, err, utils.ErrShutdownInProgress)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Len(t, f.Calls(), 1)
}

func TestCrawl_InvalidAlbumLink(t *testing.T) {
	f := newFakeFetcher()
	_, err := newTestCrawler(f, newMemFileStore(), testConfig()).Crawl(context.Background(), models.Album{Link: "  "})
	assert.True(t, errors.Is(err, utils.ErrParsing))
	assert.Empty(t, f.Calls())
}
