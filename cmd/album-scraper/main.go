package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/album-scraper/pkg/config"
	"github.com/Sriram-PR/album-scraper/pkg/crawler"
	"github.com/Sriram-PR/album-scraper/pkg/fetch"
	"github.com/Sriram-PR/album-scraper/pkg/metrics"
	"github.com/Sriram-PR/album-scraper/pkg/models"
	"github.com/Sriram-PR/album-scraper/pkg/orchestrate"
	"github.com/Sriram-PR/album-scraper/pkg/storage"
	"github.com/Sriram-PR/album-scraper/pkg/utils"
)

const version = "0.4.0"

func main() {
	configFile := flag.String("config", "config.yaml", "Path to YAML config file")
	logLevelFlag := flag.String("loglevel", "info", "Log level (trace, debug, info, warn, error)")
	seedFile := flag.String("seed", "", "YAML file of albums to import before the run")
	dryRunFlag := flag.Bool("dry-run", false, "Crawl without writing files or album state")
	filesLogPath := flag.String("write-files-log", "", "Write all stored files as JSON lines to this path after the run")
	metricsAddr := flag.String("metrics-addr", "", "Address for /metrics and pprof (overrides config, empty keeps config)")
	showVersion := flag.Bool("version", false, "Show version info")
	flag.Parse()

	if *showVersion {
		fmt.Printf("album-scraper %s\n", version)
		return
	}

	// A missing .env is normal
	_ = godotenv.Load()

	log := setupLogger(*logLevelFlag)
	appCfg, err := loadAndValidateConfig(*configFile, log)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if *dryRunFlag {
		appCfg.DryRun = true
	}
	if *metricsAddr != "" {
		appCfg.MetricsAddr = *metricsAddr
	}
	logAppConfig(appCfg, log)

	runLog := log.WithField("run_id", uuid.New().String())
	os.Exit(executeRun(appCfg, *seedFile, *filesLogPath, runLog))
}

// setupLogger creates a configured logrus.Logger with the given log level.
func setupLogger(logLevelStr string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetLevel(logrus.InfoLevel)

	level, err := logrus.ParseLevel(logLevelStr)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", logLevelStr, err)
	} else {
		log.SetLevel(level)
		log.Infof("Setting log level to: %s", level.String())
	}

	return log
}

// loadAndValidateConfig loads the config file, applies environment overrides and
// validates the result, logging every warning.
func loadAndValidateConfig(configFile string, log *logrus.Logger) (*config.AppConfig, error) {
	log.Infof("Loading configuration from %s", configFile)
	appCfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	for _, w := range appCfg.ApplyEnvOverrides() {
		log.Warn(w)
	}
	warnings, err := appCfg.Validate()
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		return nil, err
	}
	return appCfg, nil
}

// loadSeed reads a YAML list of albums. Entries without a link are rejected.
func loadSeed(path string) ([]models.Album, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading seed '%s': %w", utils.ErrFilesystem, path, err)
	}

	var albums []models.Album
	if err := yaml.Unmarshal(data, &albums); err != nil {
		return nil, fmt.Errorf("%w: seed '%s': %w", utils.ErrParsing, path, err)
	}
	for i, a := range albums {
		if a.Link == "" {
			return nil, fmt.Errorf("%w: seed '%s': entry %d has no link", utils.ErrConfigValidation, path, i)
		}
	}
	return albums, nil
}

// importSeed upserts albums into the store and returns how many were new
func importSeed(store storage.AlbumStore, albums []models.Album, log *logrus.Entry) (int, error) {
	added := 0
	for _, a := range albums {
		isNew, err := store.UpsertAlbum(a)
		if err != nil {
			return added, fmt.Errorf("importing album %s: %w", a.Link, err)
		}
		if isNew {
			added++
		}
	}
	log.Infof("Seed import: %d albums read, %d new", len(albums), added)
	return added, nil
}

// startMetricsServer serves /metrics next to the pprof handlers registered on the default mux.
// It shuts down when ctx ends.
func startMetricsServer(ctx context.Context, addr string, log *logrus.Entry) error {
	metrics.Init()
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/debug/pprof/", http.DefaultServeMux)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("Starting metrics server at http://%s/metrics (pprof under /debug/pprof/)", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		// Not fatal to the crawl
		log.Errorf("Metrics server error: %v", err)
	}
	return nil
}

// executeRun wires the components, runs the scheduler to completion or shutdown and
// returns the process exit code.
func executeRun(appCfg *config.AppConfig, seedFile, filesLogPath string, log *logrus.Entry) int {
	crawlCtx, cancelCrawl := context.WithCancel(context.Background())
	defer cancelCrawl()

	// Channel to listen for OS signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		sig := <-sigChan
		log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
		cancelCrawl()

		sig = <-sigChan
		log.Warnf("Received second signal: %v. Forcing exit.", sig)
		os.Exit(1)
	}()

	// --- Storage ---
	badgerStore, err := storage.NewBadgerStore(appCfg.StateDir, log)
	if err != nil {
		log.Errorf("Failed to open state DB: %v", err)
		return 1
	}
	defer func() {
		if err := badgerStore.Close(); err != nil {
			log.Errorf("Error closing state DB: %v", err)
		}
	}()

	var store storage.Gateway = badgerStore
	var dryRun *storage.DryRunStore
	if appCfg.DryRun {
		dryRun = storage.NewDryRunStore(badgerStore, log)
		store = dryRun
		log.Warn("Dry run: no files or album state will be written")
	}

	if seedFile != "" {
		albums, err := loadSeed(seedFile)
		if err != nil {
			log.Errorf("Seed error: %v", err)
			return 1
		}
		if _, err := importSeed(store, albums, log); err != nil {
			log.Errorf("Seed error: %v", err)
			return 1
		}
	}

	if counts, err := store.Counts(crawlCtx); err == nil {
		log.Infof("State DB: %d albums (%d pending, %d done, %d skipped), %d files",
			counts.Albums, counts.Pending, counts.Done, counts.Skipped, counts.Files)
	}

	// --- Fetching ---
	httpClient := fetch.NewClient(appCfg.HTTPClientSettings, log)
	rotation, err := fetch.NewMirrorRotation(appCfg.Mirrors, appCfg.RotationCooldown, log)
	if err != nil {
		log.Errorf("Failed to set up mirror rotation: %v", err)
		return 1
	}
	fetcher := fetch.NewFailoverFetcher(httpClient, rotation, appCfg, log)

	albumCrawler := crawler.NewAlbumCrawler(fetcher, store, appCfg, log)
	scheduler := orchestrate.NewScheduler(albumCrawler, store, appCfg, log)

	// --- Run ---
	auxCtx, stopAux := context.WithCancel(crawlCtx)
	defer stopAux()

	// The scheduler runs on crawlCtx so only a signal stops it; the helpers stop with it
	g, gctx := errgroup.WithContext(auxCtx)
	g.Go(func() error {
		defer stopAux()
		_, err := scheduler.Run(crawlCtx)
		return err
	})
	g.Go(func() error {
		store.RunGC(gctx, appCfg.GCInterval)
		return nil
	})
	if appCfg.MetricsAddr != "" {
		g.Go(func() error {
			return startMetricsServer(gctx, appCfg.MetricsAddr, log)
		})
	}
	runErr := g.Wait()

	if utils.IsShutdown(runErr) {
		log.Infof("Waiting %v before closing the state DB...", appCfg.ShutdownGrace)
		time.Sleep(appCfg.ShutdownGrace)
	} else if runErr != nil {
		log.Errorf("Run finished with error: %v", runErr)
		return 1
	}

	if dryRun != nil {
		log.Infof("Dry run: %d files would have been stored", dryRun.NewFiles())
	}

	if filesLogPath != "" {
		// Export runs on a fresh context so a shutdown does not truncate it
		n, err := store.WriteFilesLog(context.Background(), filesLogPath)
		if err != nil {
			log.Errorf("Error writing files log: %v", err)
		} else {
			log.Infof("Wrote %d files to %s", n, filesLogPath)
		}
	}

	if utils.IsShutdown(runErr) {
		log.Warn("Run stopped gracefully.")
	} else {
		log.Info("Run completed successfully.")
	}
	return 0
}

// logAppConfig logs the effective configuration
func logAppConfig(appCfg *config.AppConfig, log *logrus.Logger) {
	log.Infof("Mirrors (%d): %v, scheme:%s", len(appCfg.Mirrors), appCfg.Mirrors, appCfg.MirrorScheme)
	log.Infof("Rotation: AttemptDelay:%v, Cooldown:%v, MaxReqPerMirror:%d, MaxBody:%d bytes",
		appCfg.MirrorAttemptDelay, appCfg.RotationCooldown, appCfg.MaxRequestsPerMirror, appCfg.MaxBodyBytes)
	log.Infof("Pages: MaxRetries:%d, RetryUnit:%v, EmptyPageLimit:%d",
		appCfg.PageMaxRetries, appCfg.PageRetryUnit, appCfg.EmptyPageLimit)
	log.Infof("Scheduler: ConcurrentAlbums:%d, Poll:%v, Progress:%v, FailedPolicy:%s, MaxFailures:%d",
		appCfg.ConcurrentAlbums, appCfg.PollInterval, appCfg.ProgressInterval, appCfg.FailedAlbumPolicy, appCfg.MaxAlbumFailures)
	log.Infof("State: Dir:%s, GC:%v, DryRun:%t, ShutdownGrace:%v",
		appCfg.StateDir, appCfg.GCInterval, appCfg.DryRun, appCfg.ShutdownGrace)
	log.Infof("HTTP Client: Timeout:%v, MaxIdle:%d, MaxIdlePerHost:%d, IdleTimeout:%v, TLSTimeout:%v, DialerTimeout:%v",
		appCfg.HTTPClientSettings.Timeout, appCfg.HTTPClientSettings.MaxIdleConns, appCfg.HTTPClientSettings.MaxIdleConnsPerHost,
		appCfg.HTTPClientSettings.IdleConnTimeout, appCfg.HTTPClientSettings.TLSHandshakeTimeout, appCfg.HTTPClientSettings.DialerTimeout)
}
