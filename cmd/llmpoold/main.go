package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/iimez/llmpool/internal/config"
	"github.com/iimez/llmpool/internal/engine"
	"github.com/iimez/llmpool/internal/engine/llamacpp"
	"github.com/iimez/llmpool/internal/logging"
	"github.com/iimez/llmpool/internal/metrics"
	"github.com/iimez/llmpool/internal/pool"
	"github.com/iimez/llmpool/internal/server"
	"github.com/iimez/llmpool/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("llmpoold starting",
		zap.Int("models", len(cfg.Models)),
		zap.Int("concurrency", cfg.Concurrency))
	for id, m := range cfg.Models {
		log.Info("configured model",
			zap.String("model", id),
			zap.String("engine", m.Engine),
			zap.String("task", string(m.Task)),
			zap.Int("min_instances", m.MinInstances),
			zap.Int("max_instances", m.MaxInstances))
	}

	engines := engine.Registry{
		"llamacpp": &llamacpp.Adapter{Binary: cfg.EngineBinaries["llamacpp"]},
	}

	st := store.New(cfg.Models, cfg.PrepareConcurrency, log)
	if err := st.Init(engines); err != nil {
		log.Fatal("model store init failed", zap.Error(err))
	}

	met := metrics.New()

	pl := pool.New(pool.Config{
		Concurrency:      cfg.Concurrency,
		TTLSweepSeconds:  cfg.TTLSweepSeconds,
		PromoteCacheHits: cfg.ShouldPromoteCacheHits(),
		OnInstanceLoad:   met.ObserveLoad,
	}, cfg.Models, st, engines, log)

	for name, adapter := range engines {
		if starter, ok := adapter.(engine.Starter); ok {
			starter.Start(engine.StartRefs{Pool: pl, Store: st})
			log.Debug("engine start hook invoked", zap.String("engine", name))
		}
	}

	warmCtx, warmCancel := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := pl.WarmUp(warmCtx); err != nil {
		log.Warn("instance warm-up incomplete", zap.Error(err))
	}
	warmCancel()

	srv := server.New(cfg, pl, st, met, log)
	srv.SetReloadFunc(func() error { return reloadConfig(cfg.ConfigPath(), log) })

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
		// No read/write timeouts: SSE responses stream for as long as a
		// generation runs.
		ReadTimeout:  0,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	watcher, err := config.WatchFile(cfg.ConfigPath(), log, func(path string) error {
		return reloadConfig(path, log)
	})
	if err != nil {
		log.Warn("config watcher unavailable", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				if err := reloadConfig(cfg.ConfigPath(), log); err != nil {
					log.Warn("config reload failed", zap.Error(err))
				}
			case syscall.SIGINT, syscall.SIGTERM:
				log.Info("shutting down")

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_ = httpSrv.Shutdown(shutdownCtx)
				cancel()

				srv.Close()
				pl.Dispose()
				st.Dispose()
				return
			}
		}
	}()

	log.Info("listening", zap.String("addr", cfg.ListenAddr))
	if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal("server error", zap.Error(err))
	}
}

// reloadConfig re-validates the config file. Model/engine topology is
// immutable after startup, so changes only take effect on restart; catching
// a broken edit at write time beats discovering it during the next deploy.
func reloadConfig(path string, log *zap.Logger) error {
	if _, err := config.Load(path); err != nil {
		return err
	}
	log.Info("config file validated; model and engine changes take effect on restart",
		zap.String("path", path))
	return nil
}
