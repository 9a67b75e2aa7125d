package fetch

import (
	"fmt"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/album-scraper/pkg/config"
)

// maxMirrorRedirects bounds redirect chains; mirrors commonly bounce between their own hostnames
const maxMirrorRedirects = 10

// NewClient creates the HTTP client shared by every mirror attempt.
// cfg.Timeout bounds each individual attempt, including reading the body.
func NewClient(cfg config.HTTPClientConfig, log *logrus.Entry) *http.Client {
	clientLog := log.WithField("component", "http_client")
	clientLog.Info("Initializing HTTP client...")

	// Per-connection dial settings
	dialer := &net.Dialer{
		Timeout:   cfg.DialerTimeout,
		KeepAlive: cfg.DialerKeepAlive,
	}

	// One transport for all mirrors; idle connections are pooled per mirror host
	transport := &http.Transport{
		Proxy:                  http.ProxyFromEnvironment, // Honour HTTPS_PROXY / NO_PROXY
		DialContext:            dialer.DialContext,
		ForceAttemptHTTP2:      true, // Default to true unless explicitly disabled
		MaxIdleConns:           cfg.MaxIdleConns,
		MaxIdleConnsPerHost:    cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:        cfg.IdleConnTimeout,
		TLSHandshakeTimeout:    cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout:  cfg.ExpectContinueTimeout,
		MaxResponseHeaderBytes: 1 << 20, // 1MB max header size
	}
	// Explicit setting for ForceAttemptHTTP2 wins over the default
	if cfg.ForceAttemptHTTP2 != nil {
		transport.ForceAttemptHTTP2 = *cfg.ForceAttemptHTTP2
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			from := via[len(via)-1].URL
			if len(via) >= maxMirrorRedirects {
				return fmt.Errorf("stopped after %d redirects (last from %s)", maxMirrorRedirects, from.Host)
			}
			// Headers such as User-Agent are carried over by net/http
			clientLog.WithFields(logrus.Fields{"mirror": via[0].URL.Host, "hop": len(via)}).
				Debugf("Redirecting: %s -> %s", from, req.URL)
			return nil
		},
	}
	clientLog.WithFields(logrus.Fields{
		"timeout":         cfg.Timeout,
		"max_idle":        cfg.MaxIdleConns,
		"max_idle_mirror": cfg.MaxIdleConnsPerHost,
	}).Info("HTTP client initialized.")
	return client
}
