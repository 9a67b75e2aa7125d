package fetch

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/Sriram-PR/album-scraper/pkg/utils"
)

// MirrorSemaphores caps concurrent requests per mirror host. The mirror set is fixed, so
// every semaphore is created up front. A nil *MirrorSemaphores imposes no limit.
type MirrorSemaphores struct {
	sems  map[string]*semaphore.Weighted
	limit int64
}

// NewMirrorSemaphores returns nil when limit <= 0
func NewMirrorSemaphores(mirrors []string, limit int) *MirrorSemaphores {
	if limit <= 0 {
		return nil
	}
	s := &MirrorSemaphores{
		sems:  make(map[string]*semaphore.Weighted, len(mirrors)),
		limit: int64(limit),
	}
	for _, m := range mirrors {
		s.sems[m] = semaphore.NewWeighted(s.limit)
	}
	return s
}

// Acquire blocks until a permit for mirror is free or ctx ends.
func (s *MirrorSemaphores) Acquire(ctx context.Context, mirror string) error {
	if s == nil {
		return nil
	}
	sem, ok := s.sems[mirror]
	if !ok {
		return nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: waiting for mirror %s permit: %w", utils.ErrShutdownInProgress, mirror, err)
	}
	return nil
}

// Release returns a permit taken by Acquire
func (s *MirrorSemaphores) Release(mirror string) {
	if s == nil {
		return
	}
	if sem, ok := s.sems[mirror]; ok {
		sem.Release(1)
	}
}

// Limit returns the per-mirror cap, 0 meaning unlimited
func (s *MirrorSemaphores) Limit() int {
	if s == nil {
		return 0
	}
	return int(s.limit)
}
