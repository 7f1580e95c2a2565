package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"

	"optionflow/config"
	"optionflow/internal/metrics"
	"optionflow/internal/pipeline"
	"optionflow/logger"
	"optionflow/reader/kite"
	"optionflow/writer"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run wires the application from args and returns the process exit code.
func run(args []string) int {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("Error loading .env file")
	}

	flags := flag.NewFlagSet("optionflow", flag.ContinueOnError)
	configPath := flags.String("config", config.DefaultPath, "Path to configuration file")
	once := flags.Bool("once", false, "Run a single cycle even when a schedule is configured")
	dryRun := flags.Bool("dry-run", false, "Compute the snapshot and log it without writing")

	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.LoadConfig(config.ResolvePath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		return 1
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		return 1
	}

	log.WithFields(logger.Fields{
		"service":    cfg.Optionflow.Name,
		"version":    cfg.Optionflow.Version,
		"underlying": cfg.Source.Kite.Underlying,
		"expiry":     cfg.Source.Kite.Expiry,
		"env":        config.AppEnvironment(),
	}).Info("starting optionflow")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var s3Client *s3.Client
	if cfg.Storage.Backend == config.StorageBackendS3 || (cfg.Archive.Enabled && cfg.Archive.Backend == config.StorageBackendS3) {
		s3Client, err = writer.NewS3Client(ctx, cfg.Storage.S3)
		if err != nil {
			log.WithError(err).Error("failed to create S3 client")
			return 1
		}
	}

	var store writer.TableStore
	switch cfg.Storage.Backend {
	case config.StorageBackendS3:
		store = writer.NewS3Store(s3Client, cfg.Storage.S3.Bucket, cfg.Storage.S3.Key, cfg.Optionflow.Version)
	default:
		store = writer.NewFileStore(cfg.Storage.File.Path)
	}

	var archive pipeline.Archiver
	if cfg.Archive.Enabled {
		var client *s3.Client
		if cfg.Archive.Backend == config.StorageBackendS3 {
			client = s3Client
		}
		aw, err := writer.NewArchiveWriter(cfg, client)
		if err != nil {
			log.WithError(err).Error("failed to create archive writer")
			return 1
		}
		archive = aw
	}

	if cfg.Metrics.CloudWatch.Enabled {
		_, id, err := metrics.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
		if err != nil {
			log.WithError(err).Warn("CloudWatch metrics disabled")
		} else {
			defer metrics.UnregisterMetricHandler(id)
		}
	}

	cycle := pipeline.NewCycle(cfg, kite.NewClient(cfg.Source.Kite), store, archive, metrics.NewRecorder(cfg.Metrics.Textfile))
	cycle.DryRun = *dryRun

	if cfg.Schedule.Cron == "" || *once || *dryRun {
		if _, err := cycle.Run(ctx); err != nil {
			log.WithError(err).Error("snapshot cycle failed")
			return 1
		}
		log.Info("optionflow stopped")
		return 0
	}

	scheduler, err := pipeline.NewScheduler(ctx, cfg.Schedule.Cron, cfg.Schedule.Timeout, func(ctx context.Context) error {
		_, err := cycle.Run(ctx)
		return err
	})
	if err != nil {
		log.WithError(err).Error("failed to create scheduler")
		return 1
	}
	scheduler.Start()

	<-ctx.Done()
	log.Info("shutdown signal received")
	scheduler.Stop()
	log.Info("optionflow stopped")
	return 0
}
