package models

// AlbumOutcome describes how a single album crawl ended
type AlbumOutcome string

const (
	AlbumOutcomeUnset       AlbumOutcome = ""            // Zero value = unset/unknown
	AlbumOutcomeDone        AlbumOutcome = "done"        // All pages crawled, album marked done
	AlbumOutcomeFailed      AlbumOutcome = "failed"      // Page retries exhausted, album left pending
	AlbumOutcomeInterrupted AlbumOutcome = "interrupted" // Shutdown stopped the crawl, album left pending
)

// String implements fmt.Stringer for logging
func (o AlbumOutcome) String() string {
	if o == "" {
		return "unset"
	}
	return string(o)
}

// IsValid returns true if the outcome is a known operational value
func (o AlbumOutcome) IsValid() bool {
	switch o {
	case AlbumOutcomeDone, AlbumOutcomeFailed, AlbumOutcomeInterrupted:
		return true
	}
	return false
}

// FailedAlbumPolicy decides what happens to an album whose crawl failed
type FailedAlbumPolicy string

const (
	// FailedAlbumRetry leaves the album pending so a later run picks it up again
	FailedAlbumRetry FailedAlbumPolicy = "retry"
	// FailedAlbumSkip marks the album skipped once it has failed max_album_failures times
	FailedAlbumSkip FailedAlbumPolicy = "skip"
)

// IsValid returns true if the policy is a known value
func (p FailedAlbumPolicy) IsValid() bool {
	return p == FailedAlbumRetry || p == FailedAlbumSkip
}
