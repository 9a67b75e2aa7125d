package storage

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/album-scraper/pkg/models"
)

// DryRunStore reads through to a Gateway but keeps every write in memory.
// New files are deduplicated against both the underlying store and this run.
type DryRunStore struct {
	Gateway

	log *logrus.Entry

	mu       sync.Mutex
	files    map[string]struct{}
	done     map[string]struct{}
	failures map[string]models.Album
	seeded   []models.Album // New albums from UpsertAlbum, in seed order
	seedIdx  map[string]int
}

// NewDryRunStore wraps base so that nothing is persisted
func NewDryRunStore(base Gateway, log *logrus.Entry) *DryRunStore {
	return &DryRunStore{
		Gateway:  base,
		log:      log.WithField("component", "dry_run"),
		files:    make(map[string]struct{}),
		done:     make(map[string]struct{}),
		failures: make(map[string]models.Album),
		seedIdx:  make(map[string]int),
	}
}

// SaveFileIfAbsent records the link in memory only
func (d *DryRunStore) SaveFileIfAbsent(file models.File) (bool, error) {
	d.mu.Lock()
	_, seen := d.files[file.Link]
	d.mu.Unlock()
	if seen {
		return false, nil
	}

	exists, err := d.Gateway.HasFile(file.Link)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, seen := d.files[file.Link]; seen {
		return false, nil
	}
	d.files[file.Link] = struct{}{}
	d.log.WithFields(logrus.Fields{"file": file.Link, "album": file.AlbumLink}).Debug("Would save file")
	return true, nil
}

// HasFile includes files saved during this run
func (d *DryRunStore) HasFile(link string) (bool, error) {
	d.mu.Lock()
	_, seen := d.files[link]
	d.mu.Unlock()
	if seen {
		return true, nil
	}
	return d.Gateway.HasFile(link)
}

// FindPendingAlbums returns the store's pending albums followed by albums seeded during
// this run. Albums completed or skipped during this run are hidden.
func (d *DryRunStore) FindPendingAlbums(ctx context.Context, limit int, exclude func(link string) bool) ([]models.Album, error) {
	hidden := func(link string) bool {
		d.mu.Lock()
		_, done := d.done[link]
		skipped := d.failures[link].Skipped
		d.mu.Unlock()
		return done || skipped || (exclude != nil && exclude(link))
	}

	albums, err := d.Gateway.FindPendingAlbums(ctx, limit, hidden)
	if err != nil || len(albums) >= limit {
		return albums, err
	}

	d.mu.Lock()
	seeded := append([]models.Album(nil), d.seeded...)
	d.mu.Unlock()
	for _, album := range seeded {
		if len(albums) >= limit {
			break
		}
		if !hidden(album.Link) {
			albums = append(albums, album)
		}
	}
	return albums, nil
}

// GetAlbum includes albums seeded during this run
func (d *DryRunStore) GetAlbum(link string) (models.Album, bool, error) {
	d.mu.Lock()
	idx, ok := d.seedIdx[link]
	var album models.Album
	if ok {
		album = d.seeded[idx]
	}
	d.mu.Unlock()
	if ok {
		return album, true, nil
	}
	return d.Gateway.GetAlbum(link)
}

// UpsertAlbum keeps new albums in memory so they join the backlog; stored albums are untouched
func (d *DryRunStore) UpsertAlbum(album models.Album) (bool, error) {
	_, found, err := d.Gateway.GetAlbum(album.Link)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if idx, seen := d.seedIdx[album.Link]; seen {
		if album.Name != "" {
			d.seeded[idx].Name = album.Name
		}
		if album.Files != "" {
			d.seeded[idx].Files = album.Files
		}
		return false, nil
	}
	album.State = false
	album.Skipped = false
	d.seedIdx[album.Link] = len(d.seeded)
	d.seeded = append(d.seeded, album)
	d.log.WithField("album", album.Link).Debug("Seeded album kept in memory")
	return true, nil
}

// MarkAlbumDone records completion in memory only
func (d *DryRunStore) MarkAlbumDone(link string) error {
	d.mu.Lock()
	d.done[link] = struct{}{}
	d.mu.Unlock()
	d.log.WithField("album", link).Debug("Would mark album done")
	return nil
}

// RecordAlbumFailure tallies the failure in memory, starting from the stored record
func (d *DryRunStore) RecordAlbumFailure(link string, cause error, skipAfter int) (models.Album, error) {
	d.mu.Lock()
	album, tracked := d.failures[link]
	d.mu.Unlock()

	if !tracked {
		stored, found, err := d.GetAlbum(link)
		if err != nil {
			return models.Album{}, err
		}
		if found {
			album = stored
		} else {
			album = models.Album{Link: link}
		}
	}

	album.FailureCount++
	if cause != nil {
		album.LastError = cause.Error()
	}
	if skipAfter > 0 && album.FailureCount >= skipAfter {
		album.Skipped = true
	}

	d.mu.Lock()
	d.failures[link] = album
	d.mu.Unlock()
	return album, nil
}

// RunGC is a no-op: nothing is written in a dry run
func (d *DryRunStore) RunGC(ctx context.Context, _ time.Duration) {
	<-ctx.Done()
}

// NewFiles returns how many files this run would have stored
func (d *DryRunStore) NewFiles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.files)
}
