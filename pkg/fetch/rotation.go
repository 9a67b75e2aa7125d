package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/album-scraper/pkg/metrics"
	"github.com/Sriram-PR/album-scraper/pkg/utils"
)

// MirrorRotation is the cursor over the mirror list shared by every album crawl,
// together with the cooldown gate installed each time the cursor wraps back to the start.
type MirrorRotation struct {
	mirrors  []string // Fixed at construction, never mutated
	cooldown time.Duration
	log      *logrus.Entry

	mu         sync.Mutex    // Protects the fields below
	cursor     int           // 0 <= cursor < len(mirrors)
	cycleCount int64         // Number of completed wraps
	gate       chan struct{} // Non-nil while a cooldown is outstanding, closed when it ends
}

// NewMirrorRotation builds a rotation over a copy of mirrors.
func NewMirrorRotation(mirrors []string, cooldown time.Duration, log *logrus.Entry) (*MirrorRotation, error) {
	if len(mirrors) == 0 {
		return nil, fmt.Errorf("%w: mirror list is empty", utils.ErrConfigValidation)
	}
	return &MirrorRotation{
		mirrors:  append([]string(nil), mirrors...),
		cooldown: cooldown,
		log:      log.WithField("component", "rotation"),
	}, nil
}

// Len returns the number of mirrors in the rotation
func (r *MirrorRotation) Len() int { return len(r.mirrors) }

// Mirror returns the hostname at idx (taken modulo the list length)
func (r *MirrorRotation) Mirror(idx int) string { return r.mirrors[idx%len(r.mirrors)] }

// Next returns the index and hostname under the cursor and advances the cursor.
// A caller arriving while a cooldown is outstanding waits for it first. The caller whose
// advance wraps the cursor installs the cooldown but does not wait on it itself.
// Returns an ErrShutdownInProgress error if ctx ends during the wait.
func (r *MirrorRotation) Next(ctx context.Context) (int, string, error) {
	r.mu.Lock()
	for r.gate != nil {
		gate := r.gate
		r.mu.Unlock()
		if err := r.awaitGate(ctx, gate); err != nil {
			return -1, "", err
		}
		r.mu.Lock()
	}

	idx := r.cursor
	r.cursor = (idx + 1) % len(r.mirrors)
	if r.cursor == 0 {
		r.wrapLocked()
	}
	r.mu.Unlock()

	return idx, r.mirrors[idx], nil
}

// AdvancePast moves the cursor to the mirror following idx, so the next unrelated
// fetch starts after the mirror that just answered.
func (r *MirrorRotation) AdvancePast(idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := (idx + 1) % len(r.mirrors)
	wrapped := next == 0 && r.cursor != 0
	r.cursor = next
	if wrapped && r.gate == nil {
		r.wrapLocked()
	}
}

// Cursor returns the current cursor position
func (r *MirrorRotation) Cursor() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Cycles returns how many times the cursor has wrapped
func (r *MirrorRotation) Cycles() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycleCount
}

// CoolingDown reports whether a cooldown gate is currently outstanding
func (r *MirrorRotation) CoolingDown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gate != nil
}

// wrapLocked records a completed cycle and installs the cooldown gate. Caller holds r.mu.
func (r *MirrorRotation) wrapLocked() {
	r.cycleCount++
	metrics.ObserveRotationCycle()
	if r.gate != nil || r.cooldown <= 0 {
		return
	}

	gate := make(chan struct{})
	r.gate = gate
	r.log.WithFields(logrus.Fields{"cycle": r.cycleCount, "cooldown": r.cooldown}).
		Info("Mirror list wrapped, cooling down before next rotation")

	time.AfterFunc(r.cooldown, func() {
		r.mu.Lock()
		if r.gate == gate {
			r.gate = nil
		}
		r.mu.Unlock()
		close(gate)
		r.log.Debug("Rotation cooldown finished")
	})
}

// awaitGate blocks until the gate closes or ctx ends. The gate clears itself either way.
func (r *MirrorRotation) awaitGate(ctx context.Context, gate <-chan struct{}) error {
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for rotation cooldown: %w", utils.ErrShutdownInProgress, ctx.Err())
	}
}
