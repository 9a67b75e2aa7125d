package storage

import (
	"context"
	"time"

	"github.com/Sriram-PR/album-scraper/pkg/models"
)

// FileStore handles deduplicated file persistence
type FileStore interface {
	// SaveFileIfAbsent stores file unless a record with the same link exists.
	// Returns true only when this call created the record. An insert that loses a
	// race to a concurrent insert of the same link reports false, not an error.
	SaveFileIfAbsent(file models.File) (bool, error)

	// HasFile reports whether a file record with this link exists
	HasFile(link string) (bool, error)
}

// AlbumStore handles the album backlog and album completion state
type AlbumStore interface {
	// FindPendingAlbums returns up to limit albums that are neither done nor skipped.
	// Albums for which exclude returns true are passed over and do not count towards limit.
	FindPendingAlbums(ctx context.Context, limit int, exclude func(link string) bool) ([]models.Album, error)

	// GetAlbum retrieves an album by link
	GetAlbum(link string) (album models.Album, found bool, err error)

	// UpsertAlbum inserts a seed album or refreshes the display fields of an existing one.
	// Existing completion and failure state is kept. Returns true if the album was new.
	UpsertAlbum(album models.Album) (bool, error)

	// MarkAlbumDone sets the album's state to done and stamps scrapedAt
	MarkAlbumDone(link string) error

	// RecordAlbumFailure bumps the album's failure tally and keeps it pending.
	// Once the tally reaches skipAfter (when > 0) the album is marked skipped.
	RecordAlbumFailure(link string, cause error, skipAfter int) (models.Album, error)
}

// StoreCounts is a snapshot of the stored records
type StoreCounts struct {
	Albums  int
	Pending int
	Done    int
	Skipped int
	Files   int
}

// StoreAdmin handles lifecycle and administrative operations
type StoreAdmin interface {
	// Counts scans the store and tallies albums by state plus stored files
	Counts(ctx context.Context) (StoreCounts, error)

	// WriteFilesLog writes every stored file as one JSON document per line
	WriteFilesLog(ctx context.Context, filePath string) (int, error)

	// RunGC runs periodic garbage collection. Should be run in a goroutine
	RunGC(ctx context.Context, interval time.Duration)

	// Close cleanly closes the database connection
	Close() error
}

// Gateway combines all store interfaces for components that need full access
type Gateway interface {
	FileStore
	AlbumStore
	StoreAdmin
}
