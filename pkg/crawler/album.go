package crawler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/album-scraper/pkg/config"
	"github.com/Sriram-PR/album-scraper/pkg/fetch"
	"github.com/Sriram-PR/album-scraper/pkg/metrics"
	"github.com/Sriram-PR/album-scraper/pkg/models"
	"github.com/Sriram-PR/album-scraper/pkg/parse"
	"github.com/Sriram-PR/album-scraper/pkg/storage"
	"github.com/Sriram-PR/album-scraper/pkg/utils"
)

// AlbumCrawler walks the gallery pages of an album and stores the files it finds.
// One AlbumCrawler is shared by every concurrent album crawl.
type AlbumCrawler struct {
	fetcher        fetch.PageFetcher
	store          storage.FileStore
	maxRetries     int
	retryUnit      time.Duration
	emptyPageLimit int
	log            *logrus.Entry
}

// NewAlbumCrawler creates an AlbumCrawler
func NewAlbumCrawler(fetcher fetch.PageFetcher, store storage.FileStore, cfg *config.AppConfig, log *logrus.Entry) *AlbumCrawler {
	return &AlbumCrawler{
		fetcher:        fetcher,
		store:          store,
		maxRetries:     cfg.PageMaxRetries,
		retryUnit:      cfg.PageRetryUnit,
		emptyPageLimit: cfg.EmptyPageLimit,
		log:            log.WithField("component", "album_crawler"),
	}
}

// Crawl fetches the album's pages in order, starting at page 1. It stops when a page has
// no next page, or when emptyPageLimit consecutive pages add no new file. Returns the
// number of newly stored files. On shutdown the files stored so far are returned together
// with an ErrShutdownInProgress error; a page failing all its attempts returns an
// ErrPageRetryExhausted error.
func (c *AlbumCrawler) Crawl(ctx context.Context, album models.Album) (int, error) {
	albumLog := c.log.WithFields(logrus.Fields{"album": album.Link, "name": album.Name})

	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: album %s not started: %w", utils.ErrShutdownInProgress, album.Link, err)
	}

	albumPath, err := parse.AlbumPath(album.Link)
	if err != nil {
		return 0, err
	}

	albumLog.Info("Crawling album")
	total := 0
	emptyStreak := 0
	page := 1

	for {
		if err := ctx.Err(); err != nil {
			albumLog.WithField("page", page).Warn("Shutdown requested, stopping album crawl")
			return total, fmt.Errorf("%w: album %s stopped before page %d: %w", utils.ErrShutdownInProgress, album.Link, page, err)
		}

		result, err := c.crawlPage(ctx, albumLog, album.Link, albumPath, page)
		total += result.FileCount
		if err != nil {
			return total, err
		}

		if result.FileCount == 0 {
			emptyStreak++
		} else {
			emptyStreak = 0
		}

		if !result.HasNextPage {
			albumLog.WithFields(logrus.Fields{"pages": page, "files": total}).Info("Album finished: last page reached")
			return total, nil
		}
		if emptyStreak >= c.emptyPageLimit {
			albumLog.WithFields(logrus.Fields{"pages": page, "files": total}).
				Infof("Album finished: %d consecutive pages without new files", emptyStreak)
			return total, nil
		}
		page = result.NextPage
	}
}

// crawlPage fetches, extracts and stores one page, retrying with linear backoff.
// Files stored by a failed attempt still count: a retry only finds them as duplicates.
func (c *AlbumCrawler) crawlPage(ctx context.Context, albumLog *logrus.Entry, albumLink, albumPath string, page int) (models.PageResult, error) {
	pagePath := parse.PagePath(albumPath, page)
	pageLog := albumLog.WithField("page", page)
	maxAttempts := c.maxRetries + 1
	saved := 0
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := time.Duration(attempt-1) * c.retryUnit
			pageLog.WithFields(logrus.Fields{"attempt": attempt, "max_attempts": maxAttempts, "delay": delay}).Warn("Retrying page...")
			if err := utils.SleepContext(ctx, delay); err != nil {
				return models.PageResult{FileCount: saved}, fmt.Errorf("%w: page %d retry backoff: %w", utils.ErrShutdownInProgress, page, lastErr)
			}
		}

		pageLog.WithFields(logrus.Fields{"attempt": attempt, "path": pagePath}).Debug("Fetching page")
		start := time.Now()
		n, hasNext, err := c.fetchAndStore(ctx, pageLog, albumLink, pagePath)
		saved += n

		if err == nil {
			metrics.ObservePage("ok", time.Since(start))
			pageLog.WithField("new_files", saved).Info("Page done")
			return models.PageResult{FileCount: saved, HasNextPage: hasNext, NextPage: page + 1}, nil
		}
		if utils.IsShutdown(err) {
			metrics.ObservePage("interrupted", time.Since(start))
			return models.PageResult{FileCount: saved}, err
		}

		lastErr = err
		metrics.ObservePage("error", time.Since(start))
		pageLog.WithFields(logrus.Fields{"attempt": attempt, "error_type": utils.CategorizeError(err)}).
			Warnf("Page attempt failed: %v", err)
	}

	pageLog.Errorf("Page failed after %d attempts", maxAttempts)
	return models.PageResult{FileCount: saved}, fmt.Errorf("%w: page %d of %s after %d attempts: %w",
		utils.ErrPageRetryExhausted, page, albumLink, maxAttempts, lastErr)
}

// fetchAndStore performs a single page attempt. saved counts files newly stored even
// when a later save fails.
func (c *AlbumCrawler) fetchAndStore(ctx context.Context, pageLog *logrus.Entry, albumLink, pagePath string) (saved int, hasNext bool, err error) {
	defer func() { metrics.AddFilesSaved(saved) }()

	body, err := c.fetcher.Fetch(ctx, pagePath)
	if err != nil {
		return 0, false, err
	}
	doc, err := parse.ParseDocument(body)
	if err != nil {
		return 0, false, err
	}

	files := parse.ExtractFiles(doc, albumLink)
	pageLog.Debugf("%d files found on page", len(files))

	for _, file := range files {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return saved, false, fmt.Errorf("%w: stopped saving files: %w", utils.ErrShutdownInProgress, ctxErr)
		}
		added, err := c.store.SaveFileIfAbsent(file)
		if err != nil {
			return saved, false, err
		}
		if added {
			saved++
		}
	}
	return saved, parse.HasNextPage(doc), nil
}
