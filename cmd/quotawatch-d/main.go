package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quotawatch/quotawatch/pkg/api"
	"github.com/quotawatch/quotawatch/pkg/credential"
	"github.com/quotawatch/quotawatch/pkg/engine"
	"github.com/quotawatch/quotawatch/pkg/session"
	"github.com/quotawatch/quotawatch/pkg/sink"
	"github.com/quotawatch/quotawatch/pkg/store"
)

var (
	Version   = "v1.0.0"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	eventRetention = 30 * 24 * time.Hour
	pruneInterval  = time.Hour
)

func main() {
	log.SetPrefix("quotawatch-d ")

	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init store: %v", err)
	}
	defer st.Close()
	log.Printf("Store initialized at %s", cfg.DBPath)

	if last, ok, err := st.LatestSnapshot(context.Background()); err == nil && ok {
		log.Printf("Last recorded snapshot: session %.1f%% at %s", last.SessionUtilization, last.FetchedAt.Format(time.RFC3339))
	}

	usageClient := session.NewClient(cfg.BaseURL)

	// Silent capture ladder: explicit env token, persisted token, then the
	// operator's helper command. Interactive capture needs the helper.
	sources := credential.Chain{
		credential.Static{Token: os.Getenv("QUOTAWATCH_SESSION_KEY")},
		credential.StoreSource{Store: st},
	}
	if cfg.CredentialHelper != "" {
		sources = append(sources, credential.ExecSource{Command: cfg.CredentialHelper})
	}

	sinks := []sink.Sink{sink.Log{}, sink.NewStoreSink(st)}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer rdb.Close()
		sinks = append(sinks, sink.NewRedisSink(rdb, cfg.RedisChannel))
		log.Printf("Redis sink attached at %s", cfg.RedisAddr)
	}

	orch := engine.New(usageClient, sources, sink.Multi(sinks...), st, engine.Config{
		Interval:          cfg.PollInterval,
		SilentAuthTimeout: cfg.SilentAuthTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orch.Run(ctx)

	go func() {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := st.PruneEvents(ctx, eventRetention); err != nil {
					log.Printf("Event prune failed: %v", err)
				} else if n > 0 {
					log.Printf("Pruned %d expired events", n)
				}
			}
		}
	}()

	srv := api.NewServer(orch, st, cfg.Addr, Version)
	go func() {
		if err := srv.Start(); err != nil {
			log.Printf("API server failed: %v", err)
			cancel()
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		log.Printf("Shutdown initiated by signal %s", sig)
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("API shutdown error: %v", err)
	}

	select {
	case <-orch.Done():
	case <-shutdownCtx.Done():
		log.Println("Orchestrator did not stop in time")
	}

	log.Println("Shutdown complete")
}
