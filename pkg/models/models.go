package models

import "time"

// Album is one crawlable collection of files reachable through a single base link
type Album struct {
	Name         string    `json:"name" yaml:"name"`
	Files        string    `json:"files,omitempty" yaml:"files,omitempty"` // Display string from the catalog (e.g. "42 files")
	Link         string    `json:"link" yaml:"link"`                       // Unique identity
	State        bool      `json:"state" yaml:"-"`                         // false = pending, true = done
	ScrapedAt    time.Time `json:"scraped_at" yaml:"-"`
	FailureCount int       `json:"failure_count,omitempty" yaml:"-"`
	LastError    string    `json:"last_error,omitempty" yaml:"-"`
	Skipped      bool      `json:"skipped,omitempty" yaml:"-"` // Set by the skip failure policy; excluded from the backlog
}

// File is one downloadable entry found in an album's gallery
type File struct {
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Size      string    `json:"size"` // Free-form display string
	Link      string    `json:"link"` // Unique identity (download reference)
	AlbumLink string    `json:"album_link"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// PageResult is the outcome of crawling one gallery page
type PageResult struct {
	FileCount   int  // Files newly persisted from this page
	HasNextPage bool // Pagination verdict from the page markup
	NextPage    int  // Page index to try next
}
