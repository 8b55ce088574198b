package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fluxbase/fluxbase/internal/api"
	"github.com/fluxbase/fluxbase/internal/buildinfo"
	"github.com/fluxbase/fluxbase/internal/config"
	"github.com/fluxbase/fluxbase/internal/schema"
	"github.com/fluxbase/fluxbase/internal/service"
	"github.com/fluxbase/fluxbase/internal/store"
)

func main() {
	// 1. Load and validate environment config
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	// 2. Open the store (runs system-table migrations)
	if err := os.MkdirAll(envCfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}
	st, err := store.Open(filepath.Join(envCfg.DataDir, "fluxbase.db"))
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	// 3. Wire the backend
	backend, err := service.New(service.Config{
		Store:             st,
		GraceWindow:       envCfg.GraceWindow,
		HeartbeatInterval: envCfg.HeartbeatInterval,
		SendQueueLimit:    envCfg.SendQueueLimit,
		PushWorkers:       envCfg.PushWorkers,
		RetryBaseDelay:    envCfg.SchedulerBaseDelay,
		MaxRetries:        envCfg.SchedulerMaxRetries,
		JobRetention:      envCfg.SchedulerRetention,
		PruneSpec:         envCfg.SchedulerPruneSpec,
	})
	if err != nil {
		log.Fatalf("wire backend: %v", err)
	}

	// 4. Apply the declarative boot schema, if configured
	if envCfg.SchemaFile != "" {
		if err := applyBootSchema(backend, envCfg.SchemaFile); err != nil {
			log.Fatalf("apply schema %s: %v", envCfg.SchemaFile, err)
		}
	}

	// 5. Start the backend (scheduler re-pick, hub workers)
	if err := backend.Start(); err != nil {
		log.Fatalf("start backend: %v", err)
	}

	// 6. Start the API server
	var verifier api.TokenVerifier
	if envCfg.AdminKey != "" {
		verifier = api.StaticKeyVerifier{Key: envCfg.AdminKey}
	} else {
		log.Printf("warning: FLUXBASE_ADMIN_KEY is empty, auth disabled")
		verifier = api.AllowAllVerifier{}
	}
	srv := api.NewServer(envCfg.ListenAddress, envCfg.Port, backend, verifier, int64(envCfg.APIMaxBodyBytes))

	go func() {
		log.Printf("fluxbase %s listening on %s:%d", buildinfo.Version, envCfg.ListenAddress, envCfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server error: %v", err)
		}
	}()

	// 7. Graceful shutdown: api → hub drain → scheduler → store
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("received signal %s, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	if err := backend.Stop(); err != nil {
		log.Printf("backend shutdown error: %v", err)
	}
	log.Println("stopped")
}

func applyBootSchema(backend *service.Backend, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	sch, err := schema.ParseYAML(data)
	if err != nil {
		return err
	}
	return backend.ApplySchema(sch)
}
