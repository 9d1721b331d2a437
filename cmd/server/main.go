package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fathomfeed/fathom/internal/config"
	"github.com/fathomfeed/fathom/internal/db"
	"github.com/fathomfeed/fathom/internal/feed"
	"github.com/fathomfeed/fathom/internal/gen"
	routes "github.com/fathomfeed/fathom/internal/http"
	"github.com/fathomfeed/fathom/internal/store"
	"github.com/fathomfeed/fathom/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}

	generator := gen.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
	svc := feed.NewService(st, generator, cfg.PowerThreshold)

	hub := ws.NewHub()
	go hub.Run()

	key := "present"
	if cfg.OpenAIAPIKey == "" {
		key = "MISSING"
	}
	log.Printf("Startup: backend=%s | model=%s | openai_key=%s | power_threshold=%d",
		cfg.StoreBackend, cfg.OpenAIModel, key, cfg.PowerThreshold)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	routes.SetupRoutes(router, svc, hub, cfg)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}

// openStore selects the storage backend: a GORM database (migrated on
// startup) or the file-snapshotting in-memory store for offline work.
func openStore(cfg config.Config) (store.Store, error) {
	if cfg.StoreBackend == "memory" {
		log.Printf("Using in-memory store with snapshot file %s", cfg.StateFile)
		return store.NewMemoryStore(cfg.StateFile)
	}

	database, err := db.Init(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	gs := store.NewGormStore(database)
	log.Println("Running database migrations...")
	if err := gs.Migrate(); err != nil {
		return nil, err
	}
	log.Println("Migrations complete.")
	return gs, nil
}
