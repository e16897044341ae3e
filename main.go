// danmu-api-server aggregates bullet comments (danmaku) from Chinese
// video sites into a local library and serves them through a
// dandanplay-compatible API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/l429609201/danmu-api-server/api"
	"github.com/l429609201/danmu-api-server/config"
	"github.com/l429609201/danmu-api-server/handlers"
	"github.com/l429609201/danmu-api-server/internal/database"
	"github.com/l429609201/danmu-api-server/services/images"
	"github.com/l429609201/danmu-api-server/services/library"
	"github.com/l429609201/danmu-api-server/services/metadata"
	"github.com/l429609201/danmu-api-server/services/scheduler"
	"github.com/l429609201/danmu-api-server/services/scraper"
	"github.com/l429609201/danmu-api-server/services/search"
	"github.com/l429609201/danmu-api-server/services/task"
)

const sweepInterval = time.Hour

func main() {
	configPath := flag.String("config", "config.json", "path to the settings file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("[main] %v", err)
	}
}

func run(configPath string) error {
	settings, err := config.NewManager(configPath).Load()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   settings.Log.File,
		MaxSize:    settings.Log.MaxSize,
		MaxBackups: settings.Log.MaxBackups,
		MaxAge:     settings.Log.MaxAge,
		Compress:   settings.Log.Compress,
	}))

	db, err := database.Open(settings.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.InitConfigDefaults(ctx, config.RuntimeDefaults()); err != nil {
		return fmt.Errorf("seed runtime config: %w", err)
	}

	registry := scraper.NewRegistry(db)
	scraper.RegisterBuiltins(registry)
	if err := registry.Sync(ctx); err != nil {
		return fmt.Errorf("sync scrapers: %w", err)
	}
	defer registry.Close()

	meta := metadata.NewManager(db)
	if err := meta.Sync(ctx); err != nil {
		return fmt.Errorf("sync metadata sources: %w", err)
	}

	tasks := task.NewManager(db)
	if err := tasks.Start(ctx); err != nil {
		return fmt.Errorf("start task engine: %w", err)
	}
	defer tasks.Stop()

	imgs := images.NewService(settings.Data.Directory)
	lib := library.NewService(db, registry, meta, tasks, imgs)
	searchSvc := search.NewService(db, registry, meta)

	sched := scheduler.NewService(db, tasks)
	sched.RegisterDefaults(lib, meta)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	go maintenanceSweep(ctx, db)

	h := handlers.New(db, searchSvc, lib, tasks, sched, meta, registry)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", settings.Server.Host, settings.Server.Port),
		Handler:      api.NewRouter(h),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[main] listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-sigCh:
		log.Printf("[main] received %s, shutting down", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// maintenanceSweep clears expired cache rows and stale oauth states.
func maintenanceSweep(ctx context.Context, db *database.DB) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := db.ClearExpiredCache(ctx); err != nil {
				log.Printf("[main] cache sweep: %v", err)
			} else if n > 0 {
				log.Printf("[main] cleared %d expired cache row(s)", n)
			}
			if n, err := db.PruneOAuthStates(ctx); err != nil {
				log.Printf("[main] oauth sweep: %v", err)
			} else if n > 0 {
				log.Printf("[main] pruned %d stale oauth state(s)", n)
			}
		}
	}
}
