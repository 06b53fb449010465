package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unklstewy/aboveme/internal/logging"
	"github.com/unklstewy/aboveme/internal/status"
	"github.com/unklstewy/aboveme/internal/watcher"
	"github.com/unklstewy/aboveme/pkg/adsb"
	"github.com/unklstewy/aboveme/pkg/adsbdb"
	"github.com/unklstewy/aboveme/pkg/bsky"
	"github.com/unklstewy/aboveme/pkg/config"
	"github.com/unklstewy/aboveme/pkg/display"
	"github.com/unklstewy/aboveme/pkg/geomath"
	"github.com/unklstewy/aboveme/pkg/post"
	"github.com/unklstewy/aboveme/pkg/tracking"
)

var version = "dev"

// aboveme watches a local ADS-B receiver and posts every aircraft that
// passes overhead once it has left the alarm zone.
func main() {
	configPath := flag.String("config", "configs/config.json", "Path to configuration file")
	once := flag.Bool("once", false, "Run a single poll cycle and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration in %s:\n%v\n", *configPath, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger.Logger)
	logger.LogStartup(version)
	logger.Info("configuration loaded",
		"path", *configPath,
		"receiver", cfg.Receiver.Name,
		"lat", cfg.Receiver.Latitude,
		"lon", cfg.Receiver.Longitude,
		"feed", cfg.Feed.Format,
		"dry_run", cfg.Post.DryRun)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err = run(ctx, cfg, logger.Logger, *once)
	stop()
	if err != nil {
		logger.Error("aboveme stopped", "error", err)
	}
	logger.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, once bool) error {
	parser, err := adsb.NewParser(cfg.Feed.Format)
	if err != nil {
		return err
	}

	var source adsb.DataSource
	if cfg.Feed.File != "" {
		logger.Info("reading snapshots from file", "path", cfg.Feed.File)
		source = adsb.NewFileSource(cfg.Feed.File)
	} else {
		source = adsb.NewHTTPSource(cfg.Feed.URL, cfg.Feed.Timeout(), cfg.Feed.MinInterval())
	}
	defer source.Close()

	enricher, err := tracking.NewEnricher(tracking.Receiver{
		Point:      geomath.Point{Lat: cfg.Receiver.Latitude, Lon: cfg.Receiver.Longitude},
		AltitudeFt: cfg.Receiver.AltitudeFt,
	}, logger)
	if err != nil {
		return fmt.Errorf("receiver: %w", err)
	}
	tracker := tracking.NewTracker(cfg.Alarm.DistanceAlarmMi, cfg.Alarm.ElevationAlarmDeg, cfg.Alarm.WaitUpdates, logger)

	var disp watcher.Display = display.Nop{}
	if cfg.Display.Enabled {
		browser, err := display.New(cfg.Display, cfg.Crop, logger)
		if err != nil {
			return err
		}
		if err := browser.Start(ctx); err != nil {
			return fmt.Errorf("display: %w", err)
		}
		defer browser.Close()
		disp = browser
	}

	var meta watcher.Metadata
	if cfg.Metadata.Enabled {
		retry := adsb.DefaultRetryConfig()
		retry.MaxRetries = 2
		meta = adsbdb.NewClient(adsbdb.Config{
			BaseURL:           cfg.Metadata.BaseURL,
			RequestsPerSecond: cfg.Metadata.RequestsPerSecond,
			Timeout:           cfg.Metadata.Timeout(),
			CacheSize:         cfg.Metadata.CacheSize,
			CacheTTL:          cfg.Metadata.CacheTTL(),
			Retry:             retry,
			Logger:            logger,
		})
	}

	composer, err := post.NewComposer(cfg.Post)
	if err != nil {
		return err
	}

	var publisher watcher.Publisher
	if cfg.Bsky.Enabled {
		publisher = bsky.NewClient(bsky.Config{
			Host:     cfg.Bsky.Host,
			Handle:   cfg.Bsky.Handle,
			Password: cfg.Bsky.Password,
			Logger:   logger,
		})
	}
	dryRun := cfg.Post.DryRun || publisher == nil
	if dryRun {
		logger.Warn("dry run: posts are logged, not published")
	}

	pipeline, err := watcher.NewPipeline(watcher.PipelineOptions{
		Display:   disp,
		Metadata:  meta,
		Composer:  composer,
		Publisher: publisher,
		AltText:   cfg.Bsky.AltText,
		DryRun:    dryRun,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	feedRetry := adsb.FeedRetryConfig()
	feedRetry.MaxRetries = cfg.Feed.Retries

	w, err := watcher.New(watcher.Options{
		Source:         source,
		Parser:         parser,
		Enricher:       enricher,
		Tracker:        tracker,
		Notifier:       pipeline,
		Display:        disp,
		Interval:       cfg.Alarm.SleepInterval(),
		ReloadInterval: cfg.Alarm.ReloadInterval(),
		FeedRetry:      feedRetry,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	if once {
		if err := w.Cycle(ctx); err != nil {
			return err
		}
		for _, rec := range w.Alarms().Sorted() {
			logger.Info("tracking", "hex", rec.Hex, "ident", rec.Best.Ident(), "distance_mi", rec.Best.Distance, "misses", rec.Misses)
		}
		return nil
	}

	if cfg.Status.Enabled {
		srv := status.New(cfg.Status, w, logger)
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("status server shutdown", "error", err)
			}
		}()
	}

	return w.Run(ctx)
}
