package orchestrate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/Sriram-PR/album-scraper/pkg/config"
	"github.com/Sriram-PR/album-scraper/pkg/metrics"
	"github.com/Sriram-PR/album-scraper/pkg/models"
	"github.com/Sriram-PR/album-scraper/pkg/storage"
	"github.com/Sriram-PR/album-scraper/pkg/utils"
)

// maxListedFailures caps how many failed albums the final summary lists individually
const maxListedFailures = 20

// AlbumRunner crawls a single album and returns how many files it newly stored
type AlbumRunner interface {
	Crawl(ctx context.Context, album models.Album) (int, error)
}

// AlbumResult contains the result of crawling a single album
type AlbumResult struct {
	Link     string
	Name     string
	Outcome  models.AlbumOutcome
	Files    int
	Error    error
	Duration time.Duration
}

// RunStats are the aggregate counters of one scheduler run
type RunStats struct {
	Succeeded   int64
	Failed      int64
	Interrupted int64
	Skipped     int64 // Failed albums that reached the skip threshold
	Files       int64
	Duration    time.Duration
}

// inFlightEntry is one running album crawl
type inFlightEntry struct {
	album   models.Album
	started time.Time
}

// Scheduler keeps up to capacity album crawls running, refilling free slots from the
// pending backlog at a fixed poll interval until the backlog is exhausted or ctx ends.
type Scheduler struct {
	runner           AlbumRunner
	store            storage.AlbumStore
	capacity         int
	pollInterval     time.Duration
	progressInterval time.Duration
	skipAfter        int
	log              *logrus.Entry

	slots *semaphore.Weighted // One permit per running crawl

	mu        sync.Mutex
	inFlight  map[string]*inFlightEntry
	attempted map[string]struct{} // Albums started during this run, never pulled again
	failures  []AlbumResult

	succeeded   atomic.Int64
	failed      atomic.Int64
	interrupted atomic.Int64
	skipped     atomic.Int64
	files       atomic.Int64
	peak        atomic.Int64
}

// NewScheduler creates a Scheduler
func NewScheduler(runner AlbumRunner, store storage.AlbumStore, cfg *config.AppConfig, log *logrus.Entry) *Scheduler {
	capacity := cfg.ConcurrentAlbums
	if capacity <= 0 {
		capacity = 1
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	progressInterval := cfg.ProgressInterval
	if progressInterval <= 0 {
		progressInterval = 30 * time.Second
	}
	return &Scheduler{
		runner:           runner,
		store:            store,
		capacity:         capacity,
		pollInterval:     pollInterval,
		progressInterval: progressInterval,
		skipAfter:        cfg.SkipAfter(),
		log:              log.WithField("component", "scheduler"),
		slots:            semaphore.NewWeighted(int64(capacity)),
		inFlight:         make(map[string]*inFlightEntry),
		attempted:        make(map[string]struct{}),
	}
}

// Run schedules album crawls until no pending album is left and nothing is running,
// or until ctx is cancelled. On cancellation no new album is started and Run waits
// for every running crawl to settle before returning an ErrShutdownInProgress error.
func (s *Scheduler) Run(ctx context.Context) (RunStats, error) {
	startTime := time.Now()
	s.log.Infof("Scheduler starting: up to %d concurrent albums, polling every %v", s.capacity, s.pollInterval)

	pollTimer := time.NewTimer(0)
	defer pollTimer.Stop()
	progressTicker := time.NewTicker(s.progressInterval)
	defer progressTicker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			runErr = fmt.Errorf("%w: %w", utils.ErrShutdownInProgress, ctx.Err())
			break loop
		case <-progressTicker.C:
			s.logProgress()
			continue
		case <-pollTimer.C:
		}

		finished, err := s.poll(ctx)
		if err != nil {
			if utils.IsShutdown(err) || ctx.Err() != nil {
				continue // The ctx.Done case ends the loop
			}
			s.log.WithField("error_type", utils.CategorizeError(err)).Errorf("Backlog query failed: %v", err)
		}
		if finished {
			s.log.Info("Backlog exhausted and no album in flight.")
			break
		}
		pollTimer.Reset(s.pollInterval)
	}

	if runErr != nil {
		s.log.Warnf("Shutdown requested, waiting for %d in-flight albums to settle...", s.InFlight())
	}
	s.waitAll()

	stats := s.Stats()
	stats.Duration = time.Since(startTime)
	s.logSummary(stats)
	return stats, runErr
}

// poll fills free slots from the backlog. finished is true when there is nothing left
// to start and nothing running.
func (s *Scheduler) poll(ctx context.Context) (finished bool, err error) {
	spare := s.capacity - s.InFlight()
	if spare <= 0 {
		return false, nil
	}

	albums, err := s.store.FindPendingAlbums(ctx, spare, s.isExcluded)
	if err != nil {
		return false, err
	}
	for _, album := range albums {
		if ctx.Err() != nil {
			return false, nil
		}
		s.launch(ctx, album)
	}

	return len(albums) == 0 && s.InFlight() == 0, nil
}

// isExcluded hides running albums and albums already attempted in this run
func (s *Scheduler) isExcluded(link string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, running := s.inFlight[link]
	_, attempted := s.attempted[link]
	return running || attempted
}

// launch starts the crawl of album in its own goroutine
func (s *Scheduler) launch(ctx context.Context, album models.Album) {
	if !s.slots.TryAcquire(1) {
		// Unreachable while complete releases slots under s.mu
		s.log.WithField("album", album.Link).Error("No free crawl slot despite spare capacity, deferring album")
		return
	}

	entry := &inFlightEntry{album: album, started: time.Now()}
	s.mu.Lock()
	s.inFlight[album.Link] = entry
	s.attempted[album.Link] = struct{}{}
	running := int64(len(s.inFlight))
	s.mu.Unlock()

	for {
		p := s.peak.Load()
		if running <= p || s.peak.CompareAndSwap(p, running) {
			break
		}
	}
	metrics.IncAlbumsInFlight()

	go func() {
		var (
			files int
			err   error
		)
		defer func() {
			if r := recover(); r != nil {
				s.log.WithField("album", album.Link).Errorf("PANIC during album crawl: %v", r)
				err = fmt.Errorf("panic during album crawl: %v", r)
			}
			s.complete(entry, files, err)
		}()
		files, err = s.runner.Crawl(ctx, album)
	}()
}

// complete records the outcome of a finished crawl and frees its slot
func (s *Scheduler) complete(entry *inFlightEntry, files int, err error) {
	link := entry.album.Link
	albumLog := s.log.WithField("album", link)
	result := AlbumResult{
		Link:     link,
		Name:     entry.album.Name,
		Files:    files,
		Error:    err,
		Duration: time.Since(entry.started),
	}

	switch {
	case err == nil:
		result.Outcome = models.AlbumOutcomeDone
		if markErr := s.store.MarkAlbumDone(link); markErr != nil {
			// Stays pending, a later run crawls it again
			albumLog.Errorf("Crawled album but could not mark it done: %v", markErr)
			result.Outcome = models.AlbumOutcomeFailed
			result.Error = markErr
		}
	case utils.IsShutdown(err):
		result.Outcome = models.AlbumOutcomeInterrupted
	default:
		result.Outcome = models.AlbumOutcomeFailed
		album, recErr := s.store.RecordAlbumFailure(link, err, s.skipAfter)
		if recErr != nil {
			albumLog.Errorf("Could not record album failure: %v", recErr)
		} else if album.Skipped {
			s.skipped.Add(1)
			albumLog.Warnf("Album failed %d times, skipping it from now on", album.FailureCount)
		}
	}

	s.files.Add(int64(files))
	switch result.Outcome {
	case models.AlbumOutcomeDone:
		s.succeeded.Add(1)
		albumLog.WithFields(logrus.Fields{"files": files, "duration": result.Duration}).Info("Album done")
	case models.AlbumOutcomeInterrupted:
		s.interrupted.Add(1)
		albumLog.WithField("files", files).Warn("Album interrupted by shutdown, left pending")
	default:
		s.failed.Add(1)
		albumLog.WithFields(logrus.Fields{"files": files, "error_type": utils.CategorizeError(result.Error)}).
			Errorf("Album failed: %v", result.Error)
	}
	metrics.ObserveAlbum(result.Outcome.String())

	metrics.DecAlbumsInFlight()

	// The slot is freed in the same critical section as the in-flight entry, so a poll
	// that sees the smaller in-flight count always finds the slot free
	s.mu.Lock()
	delete(s.inFlight, link)
	if result.Outcome == models.AlbumOutcomeFailed && len(s.failures) < maxListedFailures {
		s.failures = append(s.failures, result)
	}
	s.slots.Release(1)
	s.mu.Unlock()
}

// waitAll blocks until every running crawl has completed
func (s *Scheduler) waitAll() {
	// Cannot fail: the context is never cancelled
	_ = s.slots.Acquire(context.Background(), int64(s.capacity))
	s.slots.Release(int64(s.capacity))
}

// InFlight returns the number of running album crawls
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// PeakInFlight returns the highest number of simultaneously running crawls seen
func (s *Scheduler) PeakInFlight() int {
	return int(s.peak.Load())
}

// Stats returns a snapshot of the aggregate counters
func (s *Scheduler) Stats() RunStats {
	return RunStats{
		Succeeded:   s.succeeded.Load(),
		Failed:      s.failed.Load(),
		Interrupted: s.interrupted.Load(),
		Skipped:     s.skipped.Load(),
		Files:       s.files.Load(),
	}
}

func (s *Scheduler) logProgress() {
	stats := s.Stats()
	s.log.WithFields(logrus.Fields{
		"in_flight": s.InFlight(),
		"succeeded": stats.Succeeded,
		"failed":    stats.Failed,
		"files":     stats.Files,
	}).Info("Crawl progress")
}

// logSummary logs a summary of the run
func (s *Scheduler) logSummary(stats RunStats) {
	s.log.Info("============================================")
	s.log.Infof("Album crawl finished in %v", stats.Duration)
	s.log.Infof("Albums: %d succeeded, %d failed (%d now skipped), %d interrupted",
		stats.Succeeded, stats.Failed, stats.Skipped, stats.Interrupted)
	s.log.Infof("Files newly stored: %d", stats.Files)

	s.mu.Lock()
	failures := append([]AlbumResult(nil), s.failures...)
	s.mu.Unlock()
	if len(failures) > 0 {
		s.log.Info("--------------------------------------------")
		s.log.Info("Failed albums:")
		for _, r := range failures {
			s.log.Infof("  %s (%s): %d files in %v", r.Link, r.Name, r.Files, r.Duration)
			if r.Error != nil {
				s.log.Infof("    Error: %v", r.Error)
			}
		}
		if stats.Failed > int64(len(failures)) {
			s.log.Infof("  ... and %d more", stats.Failed-int64(len(failures)))
		}
	}
	s.log.Info("============================================")
}
