package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"feedhandler/api/grpcserver"
	"feedhandler/api/httpserver"
	"feedhandler/config"
	"feedhandler/domain/channelbuffer"
	"feedhandler/infra/frame"
	"feedhandler/infra/journal"
	"feedhandler/infra/kafka"
	"feedhandler/infra/logging"
	"feedhandler/infra/metrics"
	"feedhandler/infra/outbox"
	"feedhandler/infra/sequence"
	"feedhandler/jobs/broadcaster"
	"feedhandler/service"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the feed handler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "feedhandler.yaml", "path to the YAML config file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ---------------- Metrics ----------------

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// ---------------- Journal ----------------

	resume, err := service.ResumePointsFromJournal(cfg.Journal.Dir, log)
	if err != nil {
		return err
	}
	jnl, err := journal.Open(journal.Config{
		Dir:             cfg.Journal.Dir,
		SegmentSize:     cfg.Journal.SegmentSize,
		SegmentDuration: cfg.Journal.SegmentDuration.Duration,
		SyncEveryWrite:  cfg.Journal.SyncEveryWrite,
	})
	if err != nil {
		return err
	}
	defer jnl.Close()

	// ---------------- Outbox ----------------

	ob, err := outbox.Open(cfg.Outbox.Dir, &pebble.Options{})
	if err != nil {
		return err
	}
	defer ob.Close()

	lastID, err := ob.LastID()
	if err != nil {
		return err
	}
	seqGen := sequence.New(0)
	seqGen.Resume(lastID)
	log.Info("outbox opened", zap.Uint64("last_request_id", seqGen.Current()))

	// ---------------- Sinks ----------------

	sinks := service.MultiSink{service.JournalSink{Journal: jnl}}
	if cfg.Kafka.OutputTopic != "" {
		out := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.OutputTopic)
		defer out.Close()
		// Outlives ctx so frames drained at shutdown still go out.
		sinks = append(sinks, service.ProducerSink{Ctx: context.WithoutCancel(ctx), Producer: out})
	}

	// ---------------- Service ----------------

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.FramesTopic,
		GroupID: cfg.Kafka.GroupID,
		MaxWait: cfg.Kafka.MaxWait.Duration,
	}, log)
	defer consumer.Close()

	grpcSrv := grpcserver.NewServer(log)

	svc, err := service.New(service.Config{
		Name:             cfg.Feed.Name,
		Channels:         cfg.Feed.Channels,
		MessageCapacity:  cfg.Buffers.MessageCapacity,
		SnapshotCapacity: cfg.Buffers.SnapshotCapacity,
		MaxMessageSize:   cfg.Buffers.MaxMessageSize,
		SenderCheck:      cfg.Buffers.SenderCheckEnabled(),
		QueueSize:        cfg.Buffers.QueueSize,
		RequestTimeout:   cfg.Recovery.RequestTimeout.Duration,
	}, sinks,
		service.WithLogger(log),
		service.WithMetrics(m),
		service.WithRequestStore(ob, seqGen),
		service.WithRelease(consumer.Release),
		service.WithStateObserver(grpcSrv.Observe),
		service.WithResumePoints(resume),
	)
	if err != nil {
		return err
	}
	for _, st := range svc.Status() {
		grpcSrv.SetChannelStatus(st)
	}
	// Workers stop through svc.Stop only, after ingestion has ended, so
	// every accepted frame is processed.
	svc.Start(context.WithoutCancel(ctx))
	defer svc.Stop()

	// ---------------- Background Jobs ----------------

	bc, err := broadcaster.New(ob, broadcaster.Config{
		Brokers:    cfg.Kafka.Brokers,
		Topic:      cfg.Kafka.RetransmitTopic,
		Interval:   cfg.Outbox.Interval.Duration,
		MaxRetries: cfg.Outbox.MaxRetries,
		Retention:  cfg.Outbox.Retention.Duration,
	}, func(_ uint64, req outbox.Request, result channelbuffer.ResultType) {
		if err := svc.ReportRequestFailure(ctx, req.ChannelID, result); err != nil {
			log.Warn("cannot report request failure", zap.Int32("channel_id", req.ChannelID), zap.Error(err))
		}
	}, log)
	if err != nil {
		return err
	}
	defer bc.Close()
	bcDone := make(chan struct{})
	go func() {
		defer close(bcDone)
		bc.Run(ctx)
	}()
	defer func() { <-bcDone }()

	if cfg.Journal.RetainSegments > 0 {
		service.StartRetentionJob(ctx, jnl, cfg.Journal.RetainSegments, cfg.Journal.SegmentDuration.Duration, log)
	}

	// ---------------- Servers ----------------

	errCh := make(chan error, 3)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}
	go func() { errCh <- grpcSrv.Serve(lis) }()
	defer grpcSrv.Stop()

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpserver.NewRouter(svc, reg, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	// ---------------- Ingestion ----------------

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		errCh <- consumer.Run(ctx, func(ctx context.Context, f *frame.Frame) error {
			id := f.ChannelID
			if err := svc.Submit(ctx, f); err != nil {
				consumer.Release(f)
				if errors.Is(err, service.ErrUnknownChannel) {
					log.Debug("frame for unconfigured channel", zap.Int32("channel_id", id))
					return nil
				}
				return err
			}
			return nil
		})
	}()
	defer func() { <-consumerDone }()

	// Stop background work before the deferred closes above run.
	defer cancel()

	log.Info("feed handler running",
		zap.Int("channels", len(cfg.Feed.Channels)),
		zap.String("grpc", cfg.GRPC.Addr),
		zap.String("http", cfg.HTTP.Addr))

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}
}
