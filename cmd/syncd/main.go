// Command syncd runs one channel's real-time state synchronization
// engine: anchor cache state machine, two-tier document cache, delta
// pipeline, and WebSocket fan-out, wired against Redis (coordination)
// and Postgres (authoritative store + document cache).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"

	"github.com/riverfork/syncd/internal/authoritative"
	"github.com/riverfork/syncd/internal/coalescer"
	"github.com/riverfork/syncd/internal/config"
	"github.com/riverfork/syncd/internal/coordination"
	"github.com/riverfork/syncd/internal/delta"
	"github.com/riverfork/syncd/internal/docstore"
	"github.com/riverfork/syncd/internal/graph"
	"github.com/riverfork/syncd/internal/logging"
	"github.com/riverfork/syncd/internal/metrics"
	"github.com/riverfork/syncd/internal/platform"
	"github.com/riverfork/syncd/internal/ratelimit"
	"github.com/riverfork/syncd/internal/router"
	"github.com/riverfork/syncd/internal/snapshot"
	"github.com/riverfork/syncd/internal/sweeper"
	"github.com/riverfork/syncd/internal/syncerr"
	"github.com/riverfork/syncd/internal/wsserver"
)

// adminActions builds the RPC action table exposed to connected
// clients. broadcast_system is the management entrypoint for an
// administrative, anchor-independent push to every client subscribed
// to router.SystemGroup.
func adminActions(rtr *router.Router) map[string]wsserver.ActionHandler {
	return map[string]wsserver.ActionHandler{
		"broadcast_system": func(ctx context.Context, user string, params json.RawMessage) (any, error) {
			var doc docstore.Document
			if err := json.Unmarshal(params, &doc); err != nil {
				return nil, syncerr.New("main.broadcast_system", syncerr.KindAction, err)
			}
			if err := rtr.SendSystem(doc); err != nil {
				return nil, syncerr.New("main.broadcast_system", syncerr.KindAction, err)
			}
			return map[string]bool{"ok": true}, nil
		},
	}
}

// schemaGraph declares the one tree this process projects onto every
// anchor. A real deployment would generate this from its own domain
// model; this engine ships a minimal two-level example (an anchor
// owning a flat list of child records) since the schema itself isn't
// part of the sync engine's contract, only the graph shape is.
func schemaGraph() *graph.Graph {
	return graph.New(&graph.Node{
		InstanceType: "Room",
		Children: []*graph.Node{
			{
				InstanceType:   "Message",
				Edge:           "messages",
				UserKey:        "author",
				AnchorKeyField: "room_id",
			},
		},
	})
}

func authoritativeTypes() map[string]authoritative.TypeConfig {
	return map[string]authoritative.TypeConfig{
		"Room": {
			Table: "rooms",
			Edges: map[string]authoritative.EdgeConfig{
				"messages": {Table: "messages", ForeignKeyCol: "room_id", RelatedType: "Message"},
			},
		},
		"Message": {Table: "messages"},
	}
}

func main() {
	var debug = flag.Bool("debug", false, "enable debug logging (overrides SYNCD_LOG_LEVEL)")
	flag.Parse()

	startupLogger := log.New(os.Stdout, "[syncd] ", log.LstdFlags)

	maxProcs := runtime.GOMAXPROCS(0)
	startupLogger.Printf("GOMAXPROCS: %d (via automaxprocs)", maxProcs)

	cfg, err := config.Load(nil)
	if err != nil {
		startupLogger.Fatalf("failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{
		Level:   logging.Level(cfg.LogLevel),
		Format:  logging.Format(cfg.LogFormat),
		Service: "syncd",
	})
	cfg.LogConfig(logger)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	coord := coordination.New(rdb, logger)

	docs, err := docstore.New(docstore.Config{
		DSN:            cfg.PostgresDSN,
		MaxOpenConns:   cfg.PostgresMaxOpen,
		MaxIdleConns:   cfg.PostgresMaxIdle,
		BlobFloorBytes: cfg.DocumentBlobFloor,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open document store")
	}

	store, err := authoritative.New(authoritative.Config{
		DSN:           cfg.PostgresDSN,
		Types:         authoritativeTypes(),
		ListenChannel: cfg.Channel + "_mutations",
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open authoritative store")
	}

	schema := schemaGraph()
	source := graph.NewSource(store, schema, logger)

	loader := snapshot.NewLoader(coord, docs, source, snapshot.Config{
		Channel:       cfg.Channel,
		InstanceTypes: schema.InstanceTypes(),
		PollInterval:  cfg.ListInstancesPoll,
	}, logger)

	rtr := router.New(logger)

	writer := delta.NewWriter(docs, cfg.Channel)
	broadcaster := coalescer.NewBroadcaster(writer, rtr, cfg.Channel, schema.Root.InstanceType)

	msgLimiter := ratelimit.NewMessageLimiter(float64(cfg.MaxMessageRate), float64(cfg.MaxMessageRate))
	connLimiter := ratelimit.NewConnectionLimiter(ratelimit.ConnectionLimiterConfig{}, logger)
	guard := platform.NewResourceGuard(cfg.CPURejectThreshold, cfg.CPUPauseThreshold, 2*time.Second)
	defer guard.Stop()

	auth := wsserver.AuthenticatorFunc(func(ctx context.Context, token string) (string, []string, error) {
		return token, nil, nil
	})

	srv := wsserver.New(
		wsserver.Config{Addr: cfg.Addr, Channel: cfg.Channel, MaxConnections: cfg.MaxConnections},
		coord, docs, loader, rtr, auth, adminActions(rtr),
		msgLimiter, connLimiter, guard, logger,
	)

	sweep := sweeper.New(coord, docs, cfg.Channel, cfg.AnchorTTL, cfg.SweepInterval, logger)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.ResetCoordinationOnStart {
		if err := sweep.InitDatabase(rootCtx); err != nil {
			logger.Fatal().Err(err).Msg("failed to reset coordination store on startup")
		}
		logger.Info().Str("channel", cfg.Channel).Msg("coordination store reset on startup")
	}

	go coalescer.ConsumeMutations(rootCtx, store, cfg.Channel, schema.ResolveAnchors, schema.UserKeyFor, broadcaster.Apply, logger)

	go func() {
		if err := sweep.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			logger.Error().Err(err).Msg("sweeper exited")
		}
	}()

	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(reg)}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server exited")
		}
	}()

	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start wsserver")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()
	if err := srv.Shutdown(15 * time.Second); err != nil {
		logger.Error().Err(err).Msg("error during wsserver shutdown")
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during metrics server shutdown")
	}
}
