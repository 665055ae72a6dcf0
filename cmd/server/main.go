package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/maneesh/labgridfs/internal/config"
	"github.com/maneesh/labgridfs/internal/docstore"
	"github.com/maneesh/labgridfs/internal/docstore/mgostore"
	"github.com/maneesh/labgridfs/internal/docstore/sqlstore"
	"github.com/maneesh/labgridfs/internal/gridstore"
	"github.com/maneesh/labgridfs/internal/handlers"
	"github.com/maneesh/labgridfs/internal/storage"
	"github.com/maneesh/labgridfs/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

var logger = loggo.GetLogger("labgridfs")

func main() {
	if err := run(); err != nil {
		logger.Criticalf("%v", errors.ErrorStack(err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return errors.Annotate(err, "loading config")
	}
	if err := loggo.ConfigureLoggers(cfg.LogConfig); err != nil {
		return errors.Annotate(err, "configuring loggers")
	}
	logger.Infof("starting %s on port %s (docstore %s)", cfg.ServiceName, cfg.ServicePort, cfg.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.InitTracer(ctx, cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		return errors.Annotate(err, "initializing tracer")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Warningf("shutting down tracer: %v", err)
		}
	}()

	db, err := openDocstore(cfg)
	if err != nil {
		return errors.Trace(err)
	}
	defer db.Close()

	store, err := gridstore.New(ctx, db, cfg.GridConfig())
	if err != nil {
		return errors.Annotate(err, "creating store")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := handlers.NewMetrics(reg)

	var cache handlers.MetadataCache
	if cfg.RedisEnabled {
		logger.Infof("connecting to redis at %s", cfg.GetRedisAddr())
		redisCache, err := storage.NewMetadataCache(ctx, &redis.Options{
			Addr:     cfg.GetRedisAddr(),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.Root, cfg.RedisTTL)
		if err != nil {
			return errors.Trace(err)
		}
		defer redisCache.Close()
		cache = redisCache
	}

	routes := handlers.RouterConfig{
		Read:     handlers.NewReadHandler(store, cache, metrics),
		Write:    handlers.NewWriteHandler(store, cache, metrics),
		Gatherer: reg,
	}
	if cfg.MinIOEnabled {
		logger.Infof("connecting to minio at %s", cfg.MinIOEndpoint)
		archive, err := storage.NewArchive(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucketName,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return errors.Trace(err)
		}
		routes.Archive = handlers.NewArchiveHandler(store, archive, metrics)
	}

	// No WriteTimeout: downloads stream for as long as the file takes.
	srv := &http.Server{
		Addr:        ":" + cfg.ServicePort,
		Handler:     handlers.NewRouter(routes),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return errors.Annotate(err, "serving http")
	case <-ctx.Done():
	}

	logger.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warningf("server forced to shutdown: %v", err)
	}
	return nil
}

func openDocstore(cfg *config.Config) (docstore.Database, error) {
	switch cfg.Driver {
	case config.DriverMongo:
		logger.Infof("connecting to mongodb database %q", cfg.MongoDatabase)
		db, err := mgostore.Dial(cfg.MongoURL, cfg.MongoDatabase, cfg.MongoTimeout)
		if err != nil {
			return nil, errors.Annotate(err, "connecting to mongodb")
		}
		return db, nil
	case config.DriverSQL:
		logger.Infof("connecting to sql database")
		db, err := sqlstore.Open("mysql", cfg.GetDSN())
		if err != nil {
			return nil, errors.Annotate(err, "connecting to sql database")
		}
		return db, nil
	default:
		logger.Warningf("using in-memory docstore; files do not survive a restart")
		return docstore.NewMemory(), nil
	}
}
