package utils

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
)

// --- Sentinel Errors for Categorization ---
var (
	ErrMirrorTimeout       = errors.New("mirror request timed out")
	ErrMirrorNotFound      = errors.New("mirror returned 404 not found")
	ErrMirrorForbidden     = errors.New("mirror returned 403 forbidden")
	ErrMirrorHTTPError     = errors.New("mirror returned non-2xx/3xx status")
	ErrMirrorTransport     = errors.New("mirror transport error") // DNS, connect, TLS, reset
	ErrAllMirrorsExhausted = errors.New("all mirrors exhausted")  // Wraps the last per-mirror error
	ErrPageRetryExhausted  = errors.New("page fetch failed after all retries")
	ErrPersistenceConflict = errors.New("record already exists") // Recovered locally, never surfaced
	ErrShutdownInProgress  = errors.New("shutdown in progress")
	ErrParsing             = errors.New("parsing error") // Wraps HTML/URL/YAML parsing errors
	ErrFilesystem          = errors.New("filesystem error")
	ErrDatabase            = errors.New("database error") // Wraps badger errors
	ErrRequestCreation     = errors.New("failed to create HTTP request")
	ErrResponseBodyRead    = errors.New("failed to read response body")
	ErrConfigValidation    = errors.New("configuration validation error")
)

// IsShutdown reports whether err is a cooperative cancellation rather than a real failure.
func IsShutdown(err error) bool {
	return errors.Is(err, ErrShutdownInProgress) || errors.Is(err, context.Canceled)
}

// CategorizeError maps an error to a predefined category string for logging/metrics.
func CategorizeError(err error) string {
	if err == nil {
		return "None"
	}

	// Shutdown first: a cancelled wait may also wrap a mirror error
	if IsShutdown(err) {
		return "System_Shutdown"
	}

	switch {
	case errors.Is(err, ErrPageRetryExhausted):
		return "PageRetryExhausted"
	case errors.Is(err, ErrAllMirrorsExhausted):
		// The last per-mirror cause is usually the most useful part
		switch {
		case errors.Is(err, ErrMirrorTimeout):
			return "AllMirrorsExhausted_Timeout"
		case errors.Is(err, ErrMirrorNotFound):
			return "AllMirrorsExhausted_NotFound"
		case errors.Is(err, ErrMirrorForbidden):
			return "AllMirrorsExhausted_Forbidden"
		case errors.Is(err, ErrMirrorHTTPError):
			return "AllMirrorsExhausted_HTTP"
		case errors.Is(err, ErrMirrorTransport):
			return "AllMirrorsExhausted_Transport"
		case errors.Is(err, ErrResponseBodyRead):
			return "AllMirrorsExhausted_BodyRead"
		}
		return "AllMirrorsExhausted_Unknown"
	case errors.Is(err, ErrMirrorTimeout):
		return "Mirror_Timeout"
	case errors.Is(err, ErrMirrorNotFound):
		return "Mirror_NotFound"
	case errors.Is(err, ErrMirrorForbidden):
		return "Mirror_Forbidden"
	case errors.Is(err, ErrMirrorHTTPError):
		return "Mirror_HTTP"
	case errors.Is(err, ErrMirrorTransport):
		return "Mirror_Transport"
	case errors.Is(err, ErrPersistenceConflict):
		return "Database_Conflict"
	case errors.Is(err, ErrParsing):
		errMsg := err.Error()
		if strings.Contains(errMsg, "URL") {
			return "Content_ParsingURL"
		}
		if strings.Contains(errMsg, "HTML") {
			return "Content_ParsingHTML"
		}
		return "Content_ParsingOther"
	case errors.Is(err, ErrFilesystem):
		if errors.Is(err, os.ErrPermission) {
			return "Filesystem_Permission"
		}
		if errors.Is(err, os.ErrNotExist) {
			return "Filesystem_NotExist"
		}
		return "Filesystem_Other"
	case errors.Is(err, ErrDatabase):
		return "Database_Other"
	case errors.Is(err, ErrRequestCreation):
		return "Internal_RequestCreation"
	case errors.Is(err, ErrResponseBodyRead):
		return "Network_BodyRead"
	case errors.Is(err, ErrConfigValidation):
		return "Config_Validation"
	}

	// --- Fallback checks for errors that escaped the taxonomy ---
	if errors.Is(err, context.DeadlineExceeded) {
		return "Network_Timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "Network_Timeout"
	}
	lowerErrMsg := strings.ToLower(err.Error())
	if strings.Contains(lowerErrMsg, "connection refused") {
		return "Network_ConnectionRefused"
	}
	if strings.Contains(lowerErrMsg, "no such host") {
		return "Network_DNSLookup"
	}
	if strings.Contains(lowerErrMsg, "tls") || strings.Contains(lowerErrMsg, "certificate") {
		return "Network_TLS"
	}
	if strings.Contains(lowerErrMsg, "reset by peer") {
		return "Network_ConnectionReset"
	}

	return "Unknown"
}
