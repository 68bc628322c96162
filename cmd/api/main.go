package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"taskpool.org/internal/httpapi"
	"taskpool.org/internal/market"
	"taskpool.org/internal/obs"
	"taskpool.org/internal/store/pg"
	"taskpool.org/internal/stream"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Postgres when a DSN is configured, in-memory otherwise. The in-memory
	// mode is for local hacking and smoke tests only.
	var (
		svc   market.Service
		probe httpapi.ReadyProbe
	)
	if dsn := os.Getenv("TASKPOOL_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		svc = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		log.Println("TASKPOOL_PG_DSN not set, using in-memory store")
		svc = market.NewInMemory()
	}

	feed := stream.New()
	api := httpapi.New(probe, version, svc, feed, os.Getenv("TASKPOOL_ADMIN_TOKEN"))

	addr := os.Getenv("TASKPOOL_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no WriteTimeout: /v1/events holds the response open
	}

	log.Printf("Starting taskpool-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
