package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/drivercagropecuaria-cyber/BibliotecaRC/internal/pipeline"
	"github.com/drivercagropecuaria-cyber/BibliotecaRC/pkg/alert"
	"github.com/drivercagropecuaria-cyber/BibliotecaRC/pkg/config"
	"github.com/drivercagropecuaria-cyber/BibliotecaRC/pkg/kafka"
	"github.com/drivercagropecuaria-cyber/BibliotecaRC/pkg/logger"
	"github.com/drivercagropecuaria-cyber/BibliotecaRC/pkg/storage/catalogdb"
	"github.com/drivercagropecuaria-cyber/BibliotecaRC/pkg/storage/objectstore"
	"github.com/drivercagropecuaria-cyber/BibliotecaRC/pkg/tracing"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logr, err := logger.New(cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		Attributes:  parseResourceAttributes(cfg.Tracing.ResourceAttr),
		ServiceName: cfg.App.Name,
	})
	if err != nil {
		logr.Fatal("init tracing", zap.Error(err))
	}
	defer traceShutdown(context.Background()) //nolint:errcheck

	db, err := catalogdb.Open(catalogdb.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Name:     cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		logr.Fatal("open database", zap.Error(err))
	}
	if err := catalogdb.Migrate(db); err != nil {
		logr.Fatal("migrate database", zap.Error(err))
	}
	store := catalogdb.New(db)

	objects, err := objectstore.New(objectstore.Config{
		Provider:  cfg.Storage.Provider,
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		logr.Fatal("init object store", zap.Error(err))
	}

	var publisher pipeline.EventPublisher
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.EventsTopic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			Compression:  kafka.CompressionFromString(cfg.Kafka.CompressionCodec),
			RequiredAcks: kafkago.RequireAll,
			MaxAttempts:  cfg.Kafka.Retries,
		})
		publisher = producer
	}

	notifier := alert.NewWebhook(cfg.Pipeline.AlertWebhookURL, 5*time.Second)

	initiator := pipeline.NewInitiator(pipeline.InitiatorParams{
		Store:   store,
		Objects: objects,
		Buckets: pipeline.BucketResolver{
			Default:    cfg.Buckets.Default,
			ByCategory: cfg.Buckets.CategoryBuckets,
		},
		PresignExpiry: cfg.Pipeline.PresignExpiry,
		Logger:        logr,
	})
	finalizer := pipeline.NewFinalizer(pipeline.FinalizerParams{
		Store:  store,
		Logger: logr,
	})
	relay := pipeline.NewRelay(pipeline.RelayParams{
		Store:     store,
		BatchSize: cfg.Pipeline.RelayBatchSize,
		Notifier:  notifier,
		Publisher: publisher,
		Logger:    logr,
	})
	reconciler := pipeline.NewReconciler(pipeline.ReconcilerParams{
		Store:     store,
		Objects:   objects,
		JobTTL:    cfg.Pipeline.JobTTL,
		BatchSize: cfg.Pipeline.ReconcileBatch,
		Notifier:  notifier,
		Logger:    logr,
	})
	monitor := pipeline.NewMonitor(store)

	handler := pipeline.NewHTTPHandler(pipeline.HTTPParams{
		Initiator:  initiator,
		Finalizer:  finalizer,
		Relay:      relay,
		Reconciler: reconciler,
		Monitor:    monitor,
		Store:      store,
		CronSecret: cfg.Pipeline.CronSecret,
		Logger:     logr,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go runEvery(ctx, cfg.Pipeline.RelayInterval, func(ctx context.Context) {
		if _, err := relay.Run(ctx); err != nil {
			logr.Error("scheduled relay run failed", zap.Error(err))
		}
	})
	go runEvery(ctx, cfg.Pipeline.ReconcileInterval, func(ctx context.Context) {
		if _, err := reconciler.Run(ctx); err != nil {
			logr.Error("scheduled reconciler run failed", zap.Error(err))
		}
	})

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logr.Error("http server shutdown failed", zap.Error(err))
		}
		if producer != nil {
			if err := producer.Close(shutdownCtx); err != nil {
				logr.Error("kafka producer shutdown failed", zap.Error(err))
			}
		}
		if err := objects.Close(); err != nil {
			logr.Error("object store shutdown failed", zap.Error(err))
		}
	}()

	logr.Info("pipeline service starting", zap.String("addr", cfg.HTTP.Addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logr.Fatal("http server failed", zap.Error(err))
	}
}

// runEvery invokes fn on a fixed interval until ctx is canceled. Runs do not
// overlap with themselves; overlap with HTTP-triggered runs is safe because
// all worker mutations are per-row compare-and-swaps.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func parseResourceAttributes(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	attrs := map[string]string{}
	pairs := strings.Split(raw, ",")
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		if !strings.Contains(pair, "=") {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		attrs[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return attrs
}
