package main

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/MaxIV-KitsControls/netspot/internal/audit"
	"github.com/MaxIV-KitsControls/netspot/internal/config"
	"github.com/MaxIV-KitsControls/netspot/internal/executor"
	"github.com/MaxIV-KitsControls/netspot/internal/logging"
	"github.com/MaxIV-KitsControls/netspot/internal/mongodb"
	"github.com/MaxIV-KitsControls/netspot/internal/processor"
	"github.com/MaxIV-KitsControls/netspot/internal/store"
	"github.com/MaxIV-KitsControls/netspot/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := logrus.NewEntry(logging.New(cfg.LogLevel, cfg.LogFormat)).WithField("service", "processor")
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.StoreURL, log)
	if err != nil {
		log.WithError(err).Fatal("open job store")
	}
	defer st.Close()

	ex := &executor.Process{
		Command:      cfg.ExecutorCommand,
		PlaybookPath: cfg.PlaybookPath,
		Log:          log.WithField("component", "executor"),
	}

	rec, closeAudit := recorder(ctx, cfg, log)
	defer closeAudit()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	p := processor.New(cfg, st, ex, rec, log)
	p.Coordinator().Watch(ctx)

	log.WithFields(logrus.Fields{
		"workers":       cfg.WorkerCount,
		"poll_interval": cfg.PollInterval.String(),
		"batch_size":    cfg.BatchSize,
	}).Info("processor started")
	if err := p.Run(ctx); err != nil {
		log.WithError(err).Error("processor stopped")
	}
}

// recorder picks the audit sink: the Mongo playbook log when reachable,
// wrapped in the S3 transcript archive when a bucket is set, otherwise log
// lines only.
func recorder(ctx context.Context, cfg config.Config, log *logrus.Entry) (audit.Recorder, func()) {
	fallback := audit.Logger{Log: log.WithField("component", "audit")}
	if cfg.MongoURI == "" {
		return fallback, func() {}
	}
	client, err := mongodb.Connect(ctx, cfg.MongoURI)
	if err != nil {
		log.WithError(err).Warn("audit database unavailable, logging audit entries only")
		return fallback, func() {}
	}
	closeFn := func() { _ = mongodb.Disconnect(client) }

	var rec audit.Recorder = audit.NewMongo(client.Database(cfg.MongoDatabase).Collection(cfg.AuditCollection))
	if cfg.TranscriptBucket != "" {
		s3c, err := audit.NewS3Client(ctx, cfg.AWSRegion, cfg.TranscriptEndpoint)
		if err != nil {
			log.WithError(err).Warn("transcript archive disabled")
			return rec, closeFn
		}
		rec = &audit.Archive{
			Next:      rec,
			Client:    s3c,
			Bucket:    cfg.TranscriptBucket,
			Prefix:    cfg.TranscriptPrefix,
			MaxInline: cfg.MaxInlineTranscript,
			Log:       log.WithField("component", "archive"),
		}
	}
	return rec, closeFn
}
