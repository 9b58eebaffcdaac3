package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"alertboard/internal/api"
	"alertboard/internal/backend"
	"alertboard/internal/config"
	"alertboard/internal/history"
	"alertboard/internal/refresher"
	"alertboard/internal/scheduler"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config file (watched for changes)")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite history DB path (overrides config, \"-\" disables history)")
		promURL = flag.String("prometheus", "", "Prometheus/vmalert base URL (overrides config)")
		debug   = flag.Bool("debug", false, "enable pprof endpoints")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *dbPath != "" {
		cfg.DB = *dbPath
	}
	if *promURL != "" {
		cfg.Prometheus.URL = *promURL
	}
	cfg.Debug = cfg.Debug || *debug

	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// History sink
	var repo history.Repository
	var sink *history.Sink
	if cfg.DB != "-" {
		dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DB)
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			log.Fatal().Err(err).Msg("open db")
		}
		defer db.Close()
		db.SetMaxOpenConns(1) // SQLite single writer

		if err := history.EnsureSchema(db); err != nil {
			log.Fatal().Err(err).Msg("ensure schema")
		}
		repo = history.NewSQLiteRepo(db)
		sink = history.NewSink(repo, 256)
		go sink.Run(ctx, cfg.History.RetentionDuration(), time.Hour)
	}

	// Backends
	var prom *backend.Prometheus
	if cfg.Prometheus.URL != "" {
		prom, err = backend.NewPrometheus(cfg.Prometheus.URL, cfg.Prometheus.Options())
		if err != nil {
			log.Fatal().Err(err).Msg("prometheus client")
		}
	}
	var exec scheduler.Executor
	switch cfg.Backend {
	case "loki":
		loki, err := backend.NewLoki(cfg.Loki.URL, cfg.Loki.Options())
		if err != nil {
			log.Fatal().Err(err).Msg("loki client")
		}
		exec = loki
	default:
		if prom == nil {
			log.Fatal().Msg("prometheus url is required")
		}
		exec = prom
	}

	opts := []scheduler.Option{
		scheduler.WithMaxConcurrency(cfg.Scheduler.MaxConcurrency),
		scheduler.WithExecTimeout(cfg.Scheduler.Timeout()),
		scheduler.WithMinInterval(cfg.Scheduler.MinPeriod()),
	}
	if sink != nil {
		opts = append(opts, scheduler.WithBatchHook(sink.Record))
	}
	sched := scheduler.New(exec, opts...)

	// Rule sync: static rules from config plus rules derived from the alert list
	var source refresher.AlertSource
	if prom != nil {
		source = prom
	}
	refresh := refresher.NewService(source, sched, cfg.Rules)
	if err := refresh.Start(ctx, cfg.Refresh.Schedule); err != nil {
		log.Fatal().Err(err).Msg("start rule refresher")
	}
	if *cfgPath != "" {
		go func() {
			err := config.Watch(ctx, *cfgPath, func(c *config.Config) { refresh.SetStatic(c.Rules) })
			if err != nil {
				log.Error().Err(err).Msg("config watcher stopped")
			}
		}()
	}

	sched.Start()

	// HTTP server
	var labels api.LabelSource
	if prom != nil {
		labels = prom
	}
	srv := &http.Server{Addr: cfg.Listen, Handler: api.NewServerWithDebug(sched, repo, labels, cfg.Debug)}
	go func() {
		log.Info().Str("addr", cfg.Listen).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	refresh.Stop()
	sched.Stop()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	cancel()
	if sink != nil {
		select {
		case <-sink.Done():
		case <-ctxTimeout.Done():
		}
	}
}
