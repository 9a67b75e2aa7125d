package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/album-scraper/pkg/log"
	"github.com/Sriram-PR/album-scraper/pkg/models"
	"github.com/Sriram-PR/album-scraper/pkg/utils"
)

const (
	albumKeyPrefix = "album:"   // Prefix for album link keys in DB
	fileKeyPrefix  = "file:"    // Prefix for file link keys in DB
	albumDBDir     = "album_db" // Subdirectory name within stateDir for Badger DB files
)

// BadgerStore implements the Gateway interface using BadgerDB
type BadgerStore struct {
	db         *badger.DB
	log        *logrus.Entry
	filesAdded atomic.Int64 // Files created through this handle
}

// NewBadgerStore opens (or creates) the album database under stateDir
func NewBadgerStore(stateDir string, logger *logrus.Entry) (*BadgerStore, error) {
	store := &BadgerStore{log: logger}

	dbPath := filepath.Join(stateDir, albumDBDir)
	logger.Infof("Initializing album database at: %s", dbPath)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("%w: cannot create state directory %s: %w", utils.ErrFilesystem, dbPath, err)
	}

	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger).
		WithNumVersionsToKeep(1)

	var err error
	store.db, err = badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open badger database at %s: %w", utils.ErrDatabase, dbPath, err)
	}

	logger.Info("Album database initialized successfully.")
	return store, nil
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent MVCC transactions on overlapping keys can return badger.ErrConflict;
// these resolve in microseconds, so a tight retry loop is sufficient.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := 0; i < maxConflictRetries; i++ {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: %w: not resolved after %d retries", utils.ErrDatabase, utils.ErrPersistenceConflict, maxConflictRetries)
}

// SaveFileIfAbsent implements the FileStore interface
func (s *BadgerStore) SaveFileIfAbsent(file models.File) (bool, error) {
	if s.db == nil {
		return false, fmt.Errorf("%w: album DB not initialized", utils.ErrDatabase)
	}
	if file.Link == "" {
		return false, fmt.Errorf("%w: file has no link", utils.ErrDatabase)
	}
	if file.ScrapedAt.IsZero() {
		file.ScrapedAt = time.Now().UTC()
	}
	key := []byte(fileKeyPrefix + file.Link)

	value, errJson := json.Marshal(file)
	if errJson != nil {
		return false, fmt.Errorf("%w: failed to marshal file for key '%s': %w", utils.ErrParsing, string(key), errJson)
	}

	added := false
	err := s.dbUpdate(func(txn *badger.Txn) error {
		added = false
		_, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			errSet := txn.SetEntry(badger.NewEntry(key, value))
			if errSet == nil {
				added = true
			}
			return errSet
		}
		// Key already exists or another error occurred
		return errGet
	})

	if err != nil {
		if errors.Is(err, utils.ErrPersistenceConflict) {
			// Every conflict was a competing write of this same key
			s.log.WithField("key", string(key)).Debug("Persistent conflict on file insert, treating as existing")
			return false, nil
		}
		s.log.WithField("key", string(key)).Errorf("DB Update error in SaveFileIfAbsent: %v", err)
		return false, fmt.Errorf("%w: saving file key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	if added {
		s.filesAdded.Add(1)
	}
	return added, nil
}

// HasFile implements the FileStore interface
func (s *BadgerStore) HasFile(link string) (bool, error) {
	found := false
	key := []byte(fileKeyPrefix + link)
	err := s.db.View(func(txn *badger.Txn) error {
		_, errGet := txn.Get(key)
		if errors.Is(errGet, badger.ErrKeyNotFound) {
			return nil
		}
		if errGet == nil {
			found = true
		}
		return errGet
	})
	if err != nil {
		return false, fmt.Errorf("%w: reading file key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	return found, nil
}

// FilesAdded returns how many file records this handle has created
func (s *BadgerStore) FilesAdded() int64 {
	return s.filesAdded.Load()
}

// getAlbumTxn loads and decodes an album inside txn. found is false if the key is absent.
func (s *BadgerStore) getAlbumTxn(txn *badger.Txn, key []byte) (album models.Album, found bool, err error) {
	item, errGet := txn.Get(key)
	if errors.Is(errGet, badger.ErrKeyNotFound) {
		return album, false, nil
	}
	if errGet != nil {
		return album, false, errGet
	}
	err = item.Value(func(val []byte) error {
		if errJson := json.Unmarshal(val, &album); errJson != nil {
			return fmt.Errorf("%w: album key '%s': %w", utils.ErrParsing, string(key), errJson)
		}
		return nil
	})
	return album, err == nil, err
}

// updateAlbum applies mutate to the stored album in one read-modify-write transaction.
// A missing album is created from its link so a completion is never lost.
func (s *BadgerStore) updateAlbum(link string, mutate func(a *models.Album, existed bool)) (models.Album, error) {
	if s.db == nil {
		return models.Album{}, fmt.Errorf("%w: album DB not initialized", utils.ErrDatabase)
	}
	key := []byte(albumKeyPrefix + link)

	var updated models.Album
	err := s.dbUpdate(func(txn *badger.Txn) error {
		album, found, errGet := s.getAlbumTxn(txn, key)
		if errGet != nil {
			return errGet
		}
		if !found {
			album = models.Album{Link: link}
		}
		mutate(&album, found)

		value, errJson := json.Marshal(album)
		if errJson != nil {
			return fmt.Errorf("%w: failed to marshal album '%s': %w", utils.ErrParsing, link, errJson)
		}
		updated = album
		return txn.SetEntry(badger.NewEntry(key, value))
	})
	if err != nil {
		s.log.WithField("key", string(key)).Errorf("DB Update error on album: %v", err)
		return models.Album{}, fmt.Errorf("%w: updating album key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	return updated, nil
}

// GetAlbum implements the AlbumStore interface
func (s *BadgerStore) GetAlbum(link string) (models.Album, bool, error) {
	var (
		album models.Album
		found bool
	)
	key := []byte(albumKeyPrefix + link)
	err := s.db.View(func(txn *badger.Txn) error {
		var errGet error
		album, found, errGet = s.getAlbumTxn(txn, key)
		return errGet
	})
	if err != nil {
		return models.Album{}, false, fmt.Errorf("%w: reading album key '%s': %w", utils.ErrDatabase, string(key), err)
	}
	return album, found, nil
}

// UpsertAlbum implements the AlbumStore interface
func (s *BadgerStore) UpsertAlbum(album models.Album) (bool, error) {
	if album.Link == "" {
		return false, fmt.Errorf("%w: album has no link", utils.ErrDatabase)
	}
	isNew := false
	_, err := s.updateAlbum(album.Link, func(a *models.Album, existed bool) {
		isNew = !existed
		if album.Name != "" {
			a.Name = album.Name
		}
		if album.Files != "" {
			a.Files = album.Files
		}
	})
	return isNew, err
}

// MarkAlbumDone implements the AlbumStore interface
func (s *BadgerStore) MarkAlbumDone(link string) error {
	_, err := s.updateAlbum(link, func(a *models.Album, existed bool) {
		if !existed {
			s.log.WithField("album", link).Warn("Marking unknown album done, creating its record")
		}
		a.State = true
		a.ScrapedAt = time.Now().UTC()
		a.LastError = ""
	})
	return err
}

// RecordAlbumFailure implements the AlbumStore interface
func (s *BadgerStore) RecordAlbumFailure(link string, cause error, skipAfter int) (models.Album, error) {
	return s.updateAlbum(link, func(a *models.Album, _ bool) {
		a.FailureCount++
		if cause != nil {
			a.LastError = cause.Error()
		}
		if skipAfter > 0 && a.FailureCount >= skipAfter {
			a.Skipped = true
		}
	})
}

// FindPendingAlbums implements the AlbumStore interface
func (s *BadgerStore) FindPendingAlbums(ctx context.Context, limit int, exclude func(link string) bool) ([]models.Album, error) {
	if limit <= 0 {
		return nil, nil
	}
	albums := make([]models.Album, 0, limit)
	decodeErrors := 0

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(albumKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(albums) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			link := string(item.Key()[len(albumKeyPrefix):])
			if exclude != nil && exclude(link) {
				continue
			}

			var album models.Album
			errValue := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &album)
			})
			if errValue != nil {
				s.log.Warnf("Backlog scan: failed to decode album '%s': %v. Skipping.", link, errValue)
				decodeErrors++
				continue
			}
			if album.State || album.Skipped {
				continue
			}
			albums = append(albums, album)
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: scanning albums: %w", utils.ErrDatabase, err)
	}
	if decodeErrors > 0 {
		s.log.Warnf("Backlog scan skipped %d undecodable albums", decodeErrors)
	}
	return albums, nil
}

// Counts implements the StoreAdmin interface
func (s *BadgerStore) Counts(ctx context.Context) (StoreCounts, error) {
	var counts StoreCounts
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		albumPrefix := []byte(albumKeyPrefix)
		for it.Seek(albumPrefix); it.ValidForPrefix(albumPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var album models.Album
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &album) }); err != nil {
				continue
			}
			counts.Albums++
			switch {
			case album.State:
				counts.Done++
			case album.Skipped:
				counts.Skipped++
			default:
				counts.Pending++
			}
		}

		filePrefix := []byte(fileKeyPrefix)
		for it.Seek(filePrefix); it.ValidForPrefix(filePrefix); it.Next() {
			counts.Files++
		}
		return nil
	})
	if err != nil {
		return StoreCounts{}, fmt.Errorf("%w: counting records: %w", utils.ErrDatabase, err)
	}
	return counts, nil
}

// RunGC runs BadgerDB's garbage collection periodically
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				s.log.Info("DB GC: Database is nil or closed, skipping GC cycle.")
				continue
			}

			s.log.Debug("Running BadgerDB value log garbage collection...")
			var err error
			// Loop GC until it returns ErrNoRewrite or another error
			for {
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
				s.log.Info("BadgerDB GC cycle completed.")
			}

			if errors.Is(err, badger.ErrNoRewrite) {
				s.log.Debug("BadgerDB GC finished (no rewrite needed).")
			} else {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done():
			s.log.Infof("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// WriteFilesLog implements the StoreAdmin interface
func (s *BadgerStore) WriteFilesLog(ctx context.Context, filePath string) (int, error) {
	s.log.Infof("Writing stored files to %s...", filePath)
	file, err := os.Create(filePath)
	if err != nil {
		return 0, fmt.Errorf("%w: create files log '%s': %w", utils.ErrFilesystem, filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	var ioErr error
	writtenCount := 0

	iterErr := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(fileKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				s.log.Warnf("WriteFilesLog scan interrupted: %v", err)
				return err
			}

			// Values are already JSON documents, copy them out as lines
			errValue := it.Item().Value(func(val []byte) error {
				if _, err := writer.Write(val); err != nil {
					return err
				}
				return writer.WriteByte('\n')
			})
			if errValue != nil {
				if ioErr == nil {
					ioErr = errValue
				}
				s.log.Errorf("Error writing file record to log: %v", errValue)
				continue
			}
			writtenCount++
			if writtenCount%5000 == 0 {
				if flushErr := writer.Flush(); flushErr != nil && ioErr == nil {
					ioErr = flushErr
				}
			}
		}
		return nil
	})

	if flushErr := writer.Flush(); flushErr != nil && ioErr == nil {
		ioErr = flushErr
	}
	if syncErr := file.Sync(); syncErr != nil && ioErr == nil {
		ioErr = syncErr
	}

	if iterErr != nil {
		if errors.Is(iterErr, context.Canceled) || errors.Is(iterErr, context.DeadlineExceeded) {
			return writtenCount, iterErr
		}
		return writtenCount, fmt.Errorf("%w: iterating files: %w", utils.ErrDatabase, iterErr)
	}
	if ioErr != nil {
		s.log.Warnf("Finished writing files log with errors. Wrote ~%d records to %s", writtenCount, filePath)
		return writtenCount, fmt.Errorf("%w: writing files log '%s': %w", utils.ErrFilesystem, filePath, ioErr)
	}
	s.log.Infof("Finished writing %d file records to %s", writtenCount, filePath)
	return writtenCount, nil
}

// Close implements the StoreAdmin interface
func (s *BadgerStore) Close() error {
	if s.db != nil && !s.db.IsClosed() {
		s.log.Info("Closing album DB...")
		if err := s.db.Close(); err != nil {
			s.log.Errorf("Error closing album DB: %v", err)
			return err
		}
		s.log.Info("Album DB closed.")
		return nil
	}
	s.log.Info("Album DB already closed or was not initialized.")
	return nil
}
