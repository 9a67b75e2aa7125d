package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/album-scraper/pkg/config"
	"github.com/Sriram-PR/album-scraper/pkg/metrics"
	"github.com/Sriram-PR/album-scraper/pkg/utils"
)

// PageFetcher retrieves the body of a site path from whichever mirror serves it
type PageFetcher interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// MirrorsExhaustedError is returned when every mirror failed for one fetch.
// It matches utils.ErrAllMirrorsExhausted and the last per-mirror error via errors.Is.
type MirrorsExhaustedError struct {
	Path  string
	Tried []string // Mirrors in the order they were attempted
	Last  error
}

func (e *MirrorsExhaustedError) Error() string {
	return fmt.Sprintf("%v for %s (tried %s): %v",
		utils.ErrAllMirrorsExhausted, e.Path, strings.Join(e.Tried, ", "), e.Last)
}

func (e *MirrorsExhaustedError) Unwrap() []error {
	return []error{utils.ErrAllMirrorsExhausted, e.Last}
}

// FailoverFetcher fetches a path by walking the mirror rotation until one mirror answers
type FailoverFetcher struct {
	client       *http.Client
	rotation     *MirrorRotation
	limits       *MirrorSemaphores
	scheme       string
	userAgent    string
	attemptDelay time.Duration
	maxBodyBytes int64
	log          *logrus.Entry
}

// NewFailoverFetcher creates a FailoverFetcher over a shared client and rotation
func NewFailoverFetcher(client *http.Client, rotation *MirrorRotation, cfg *config.AppConfig, log *logrus.Entry) *FailoverFetcher {
	return &FailoverFetcher{
		client:       client,
		rotation:     rotation,
		limits:       NewMirrorSemaphores(rotation.mirrors, cfg.MaxRequestsPerMirror),
		scheme:       cfg.MirrorScheme,
		userAgent:    cfg.UserAgent,
		attemptDelay: cfg.MirrorAttemptDelay,
		maxBodyBytes: cfg.MaxBodyBytes,
		log:          log.WithField("component", "fetcher"),
	}
}

// Fetch takes a start mirror from the rotation and tries every mirror once, in list order
// from the start with wrap-around. The first 2xx/3xx body wins and moves the shared cursor
// past the mirror that served it. Failed attempts are separated by the configured delay.
// Requests already on the wire are not aborted by ctx; waits are.
func (f *FailoverFetcher) Fetch(ctx context.Context, path string) ([]byte, error) {
	start, _, err := f.rotation.Next(ctx)
	if err != nil {
		return nil, err
	}

	n := f.rotation.Len()
	tried := make([]string, 0, n)
	var lastErr error

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		mirror := f.rotation.Mirror(idx)
		tried = append(tried, mirror)
		attemptLog := f.log.WithFields(logrus.Fields{"mirror": mirror, "path": path, "attempt": i + 1, "of": n})

		if err := f.limits.Acquire(ctx, mirror); err != nil {
			return nil, err
		}
		body, err := f.fetchOnce(ctx, mirror, path)
		f.limits.Release(mirror)
		if err == nil {
			f.rotation.AdvancePast(idx)
			metrics.ObserveMirrorRequest(mirror, "ok")
			attemptLog.Debug("Fetched")
			return body, nil
		}

		lastErr = err
		category := utils.CategorizeError(err)
		metrics.ObserveMirrorRequest(mirror, category)
		attemptLog.WithField("error_type", category).Warnf("Mirror attempt failed: %v", err)

		if i < n-1 {
			if err := utils.SleepContext(ctx, f.attemptDelay); err != nil {
				return nil, fmt.Errorf("%w: between mirror attempts for %s: %w", utils.ErrShutdownInProgress, path, lastErr)
			}
		}
	}

	f.log.WithFields(logrus.Fields{"path": path, "tried": len(tried)}).
		Errorf("All mirrors failed. Last error: %v", lastErr)
	return nil, &MirrorsExhaustedError{Path: path, Tried: tried, Last: lastErr}
}

// fetchOnce performs a single GET against one mirror and classifies the failure.
func (f *FailoverFetcher) fetchOnce(ctx context.Context, mirror, path string) ([]byte, error) {
	target := f.scheme + "://" + mirror + path

	// The client timeout still bounds the request; shutdown only stops further attempts
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", utils.ErrRequestCreation, target, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(mirror, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, classifyStatus(mirror, resp.StatusCode)
	}

	// +1 to detect a body over the limit; a truncated page would hide its pagination
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s: reading body: %w", utils.ErrMirrorTimeout, mirror, err)
		}
		return nil, fmt.Errorf("%w: %w: %s: %w", utils.ErrMirrorTransport, utils.ErrResponseBodyRead, mirror, err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("%w: %s%s exceeds max size (> %d bytes)", utils.ErrResponseBodyRead, mirror, path, f.maxBodyBytes)
	}
	return body, nil
}

func classifyTransportError(mirror string, err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %s: %w", utils.ErrMirrorTimeout, mirror, err)
	}
	return fmt.Errorf("%w: %s: %w", utils.ErrMirrorTransport, mirror, err)
}

func classifyStatus(mirror string, code int) error {
	var sentinel error
	switch code {
	case http.StatusNotFound:
		sentinel = utils.ErrMirrorNotFound
	case http.StatusForbidden:
		sentinel = utils.ErrMirrorForbidden
	default:
		sentinel = utils.ErrMirrorHTTPError
	}
	return fmt.Errorf("%w: %s returned %d %s", sentinel, mirror, code, http.StatusText(code))
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
