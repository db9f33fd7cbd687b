// Command server runs the threat-intelligence exchange coordinator:
// it loads configuration, wires the store, trust manager, aggregator,
// distribution fabric, and coordinator facade, then serves the HTTP
// API and WebSocket event channel.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocx/threatfabric/internal/aggregator"
	"github.com/ocx/threatfabric/internal/api"
	"github.com/ocx/threatfabric/internal/config"
	"github.com/ocx/threatfabric/internal/fabric"
	"github.com/ocx/threatfabric/internal/facade"
	"github.com/ocx/threatfabric/internal/infra"
	"github.com/ocx/threatfabric/internal/middleware"
	"github.com/ocx/threatfabric/internal/store"
	"github.com/ocx/threatfabric/internal/sweeper"
	"github.com/ocx/threatfabric/internal/trust"
)

func main() {
	cfgPath := os.Getenv("EXCHANGE_CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}
	defer st.Close()

	trustMgr := trust.NewManager(st, cfg.Trust)

	decayInterval := time.Duration(cfg.Trust.DecayIntervalSec) * time.Second
	decaySched := trust.NewDecayScheduler(trustMgr, decayInterval)
	decaySched.Start(time.Time{})
	defer decaySched.Stop()

	outcomeQueue := aggregator.NewOutcomeQueue(trustMgr, 1024, 3)
	defer outcomeQueue.Stop()

	agg := aggregator.New(st, trustMgr, outcomeQueue, cfg.IOC, cfg.Consensus)

	fab := fabric.New(agg, trustMgr, cfg.Fabric)
	if cfg.Fabric.RedisAddr != "" {
		adapter, err := infra.NewGoRedisAdapter(cfg.Fabric.RedisAddr, cfg.Fabric.RedisPassword, 0)
		if err != nil {
			log.Printf("redis unavailable, falling back to single-replica local event bus: %v", err)
		} else {
			fab.SetEventBus(fabric.NewRedisEventBus(adapter, "exchange:events:"))
			fab.SetCursorStore(adapter)
		}
	} else if cfg.PubSub.Enabled {
		bus, err := fabric.NewPubSubEventBus(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			log.Printf("pubsub unavailable, falling back to single-replica local event bus: %v", err)
		} else {
			fab.SetEventBus(bus)
		}
	}

	coord := facade.New(trustMgr, agg, fab)

	heartbeatInterval := time.Duration(cfg.Fabric.HeartbeatIntervalSec) * time.Second
	sw := sweeper.New(agg, fab, cfg.Schedule, heartbeatInterval)
	sw.Start()
	defer sw.Stop()

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{MaxCallsPerMinute: 120})
	srv := api.NewServer(coord, fab.ServeWebSocket, limiter)

	addr := fmt.Sprintf(":%s", cfg.Server.Port)
	if cfg.Server.Port == "" {
		addr = ":8080"
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[coordinator] listening on %s", addr)
		errCh <- srv.ListenAndServe(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("server exited: %v", err)
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	}
}
