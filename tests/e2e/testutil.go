package e2e

import (
	"context"
	"fmt"
	"time"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/stratamem/internal/assoc"
	"github.com/nidhogg/stratamem/internal/decay"
	"github.com/nidhogg/stratamem/internal/fusion"
	"github.com/nidhogg/stratamem/internal/layer"
	"github.com/nidhogg/stratamem/internal/node"
	"github.com/nidhogg/stratamem/internal/perception"
	"github.com/nidhogg/stratamem/internal/retrieval"
	"github.com/nidhogg/stratamem/internal/similarity"
)

// Package-level shared state, set by TestMain and used by all subtests.
var (
	testLogger   *zap.Logger
	testPGDSN    string
	testRedisURL string
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("stratamem_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

// engineStack is a fully wired in-process engine for integration tests.
type engineStack struct {
	engine    *perception.Engine
	layers    map[node.Layer]*layer.Store
	graph     *assoc.Graph
	evictions chan layer.Evicted
}

// buildEngine wires the tier stores, graph, retrieval, fusion and perception
// with the given working-tier capacity. Evictions from every tier land on
// the returned channel.
func buildEngine(workingCapacity int) *engineStack {
	sim := similarity.TokenOverlap()

	graph := assoc.New(assoc.Config{
		SemanticThreshold:  0.55,
		TemporalWindow:     time.Minute,
		EmotionalThreshold: 0.4,
		MaxDepth:           3,
		HopDecay:           0.7,
	}, sim, testLogger)

	evictions := make(chan layer.Evicted, 64)
	layers := make(map[node.Layer]*layer.Store, len(node.Layers))
	for _, l := range node.Layers {
		capacity := 50
		if l == node.Working {
			capacity = workingCapacity
		}
		s := layer.New(layer.Config{
			Layer:            l,
			Capacity:         capacity,
			RemovalThreshold: 0.01,
			Profile:          decay.Profile{Kind: decay.Exponential, Lambda: 0.0001},
			ProfileName:      "standard",
		}, graph, testLogger)
		s.SetEvictionSink(evictions)
		layers[l] = s
	}

	retr := retrieval.New(layers, graph, sim, retrieval.Config{
		Weights: retrieval.Weights{
			Alpha: 0.6, Beta: 0.3, GammaR: 0.1, RecencyHalfLife: time.Hour,
		},
		KPerLayer:  5,
		MaxDepth:   3,
		MaxResults: 10,
		Timeout:    2 * time.Second,
	}, testLogger)
	fus := fusion.New(sim, nil, fusion.Config{Temperature: 0.25, DegradeFactor: 0.5}, testLogger)

	engine := perception.New(layers, graph, retr, fus, nil, perception.Config{
		InitialWeight:  0.6,
		ReinforceBoost: 0.15,
		SourceEpsilon:  0.05,
	}, testLogger)

	return &engineStack{engine: engine, layers: layers, graph: graph, evictions: evictions}
}
