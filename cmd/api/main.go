package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	api "github.com/MaxIV-KitsControls/netspot/internal/api"
	"github.com/MaxIV-KitsControls/netspot/internal/audit"
	"github.com/MaxIV-KitsControls/netspot/internal/config"
	"github.com/MaxIV-KitsControls/netspot/internal/inventory"
	"github.com/MaxIV-KitsControls/netspot/internal/logging"
	"github.com/MaxIV-KitsControls/netspot/internal/mongodb"
	"github.com/MaxIV-KitsControls/netspot/internal/producer"
	"github.com/MaxIV-KitsControls/netspot/internal/ratelimit"
	"github.com/MaxIV-KitsControls/netspot/internal/store"
)

func main() {
	cfg := config.Load()
	log := logrus.NewEntry(logging.New(cfg.LogLevel, cfg.LogFormat)).WithField("service", "api")
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.Open(ctx, cfg.StoreURL, log)
	if err != nil {
		log.WithError(err).Fatal("open job store")
	}
	defer st.Close()

	client, err := mongodb.Connect(ctx, cfg.MongoURI)
	if err != nil {
		log.WithError(err).Fatal("connect mongo")
	}
	defer mongodb.Disconnect(client)
	db := client.Database(cfg.MongoDatabase)
	auditLog := audit.NewMongo(db.Collection(cfg.AuditCollection))
	inv := inventory.NewMongo(db.Collection(cfg.InventoryCollection), db.Collection(cfg.GroupCollection))

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	limiter := ratelimit.NewWindow(redisClient, cfg.SubmitLimit, cfg.SubmitWindow)

	server := api.New(cfg, st, producer.New(st, inv, auditLog, log), auditLog, limiter, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
