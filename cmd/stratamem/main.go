package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/stratamem/internal/api"
	"github.com/nidhogg/stratamem/internal/archive"
	"github.com/nidhogg/stratamem/internal/assoc"
	"github.com/nidhogg/stratamem/internal/config"
	"github.com/nidhogg/stratamem/internal/decay"
	"github.com/nidhogg/stratamem/internal/embedding"
	"github.com/nidhogg/stratamem/internal/eventbus"
	"github.com/nidhogg/stratamem/internal/fusion"
	"github.com/nidhogg/stratamem/internal/layer"
	"github.com/nidhogg/stratamem/internal/node"
	"github.com/nidhogg/stratamem/internal/perception"
	"github.com/nidhogg/stratamem/internal/retrieval"
	"github.com/nidhogg/stratamem/internal/similarity"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting stratamem...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/stratamem.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Similarity comparator: token overlap by default, embedding-backed
	// cosine when configured.
	sim := similarity.TokenOverlap()
	if cfg.Similarity == "embedding" {
		provider, err := embedding.New(cfg.Embedding)
		if err != nil {
			logger.Fatal("embedding provider", zap.Error(err))
		}
		sim = similarity.NewEmbedded(provider).Func()
	}

	// Association graph, then one bounded store per tier.
	graph := assoc.New(assoc.Config{
		SemanticThreshold:  cfg.Association.SemanticThreshold,
		TemporalWindow:     cfg.Association.TemporalWindow(),
		EmotionalThreshold: cfg.Association.EmotionalThreshold,
		MaxDepth:           cfg.Association.MaxDepth,
		HopDecay:           cfg.Association.HopDecay,
	}, sim, logger)

	profiles := decay.Registry(cfg.DecayProfiles)
	layers := make(map[node.Layer]*layer.Store, len(node.Layers))
	for _, l := range node.Layers {
		lc := cfg.Layers[string(l)]
		layers[l] = layer.New(layer.Config{
			Layer:            l,
			Capacity:         lc.Capacity,
			RemovalThreshold: lc.RemovalThreshold,
			Profile:          profiles.Lookup(lc.DecayProfile),
			ProfileName:      lc.DecayProfile,
		}, graph, logger)
	}

	// Optional event bus.
	var bus *eventbus.Bus
	if cfg.Database.RedisURL != "" {
		bus, err = eventbus.New(cfg.Database.RedisURL, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without event bus", zap.Error(err))
			bus = nil
		} else {
			defer bus.Close()
		}
	}

	// Optional eviction archive, consuming evictions off the hot path.
	if cfg.Database.PostgresDSN != "" {
		arch, archErr := archive.New(cfg.Database.PostgresDSN, logger)
		if archErr != nil {
			logger.Warn("PostgreSQL unavailable, running without archive", zap.Error(archErr))
		} else {
			defer arch.Close()
			if mErr := arch.Migrate(ctx, "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			evictions := make(chan layer.Evicted, 256)
			for _, s := range layers {
				s.SetEvictionSink(evictions)
			}
			go arch.Run(ctx, evictions, bus)
		}
	}

	retr := retrieval.New(layers, graph, sim, retrieval.Config{
		Weights: retrieval.Weights{
			Alpha:           cfg.Retrieval.Alpha,
			Beta:            cfg.Retrieval.Beta,
			GammaR:          cfg.Retrieval.GammaR,
			RecencyHalfLife: cfg.Retrieval.RecencyHalfLife(),
		},
		KPerLayer:  cfg.Retrieval.KPerLayer,
		MaxDepth:   cfg.Association.MaxDepth,
		MaxResults: cfg.Retrieval.MaxResults,
		Timeout:    cfg.Retrieval.Timeout(),
	}, logger)

	fus := fusion.New(sim, fusion.RankedConcat{MaxParts: cfg.Fusion.MaxParts}, fusion.Config{
		Temperature:   cfg.Fusion.Temperature,
		DegradeFactor: cfg.Fusion.DegradeFactor,
	}, logger)

	engine := perception.New(layers, graph, retr, fus, bus, perception.Config{
		InitialWeight:  cfg.Perception.InitialWeight,
		ReinforceBoost: cfg.Perception.ReinforceBoost,
		SourceEpsilon:  cfg.Perception.SourceEpsilon,
		WorkingEcho:    cfg.Perception.WorkingEcho,
	}, logger)

	sweeper := perception.NewSweeper(layers, cfg.Sweep.Interval(), bus, logger)
	go sweeper.Run(ctx)

	handler := api.NewHandler(engine, layers, graph, sweeper, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Routes(),
	}

	go func() {
		logger.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}
