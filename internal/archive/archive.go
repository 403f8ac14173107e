// Package archive persists evicted nodes to PostgreSQL. The in-memory
// model stays authoritative; the archive is an optional write-behind layer
// for memories that fell out of their tier, consumed from the stores'
// eviction channel so no database work ever happens under a layer lock.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/stratamem/internal/eventbus"
	"github.com/nidhogg/stratamem/internal/layer"
	"go.uber.org/zap"
)

// Store wraps a PostgreSQL connection pool for the eviction archive.
type Store struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New connects to PostgreSQL and verifies the connection.
func New(dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("archive connected")
	return &Store{db: pool, logger: logger}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.db.Close()
}

// Migrate executes all .up.sql files from the migrations directory in name
// order.
func (s *Store) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("migration applied", zap.String("file", f))
	}
	return nil
}

// Record inserts one evicted node. The full variant payload is stored as
// JSON so archived memories keep their tier-specific fields.
func (s *Store) Record(ctx context.Context, ev layer.Evicted) error {
	payload, err := json.Marshal(ev.Node)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO evicted_memories (node_id, layer, content, weight, access_count, reason, evicted_at, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (node_id) DO NOTHING`,
		ev.Node.ID, string(ev.Node.Layer), ev.Node.Content, ev.Node.Weight,
		ev.Node.AccessCount, ev.Reason, ev.At, payload)
	if err != nil {
		return fmt.Errorf("insert evicted node: %w", err)
	}
	return nil
}

// Count returns the number of archived memories, optionally per layer.
func (s *Store) Count(ctx context.Context, layerName string) (int, error) {
	var n int
	var err error
	if layerName == "" {
		err = s.db.QueryRow(ctx, `SELECT count(*) FROM evicted_memories`).Scan(&n)
	} else {
		err = s.db.QueryRow(ctx, `SELECT count(*) FROM evicted_memories WHERE layer = $1`, layerName).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count archived: %w", err)
	}
	return n, nil
}

// Run consumes the eviction channel until the context is cancelled,
// archiving each node and mirroring an event to the bus when one is wired.
func (s *Store) Run(ctx context.Context, evictions <-chan layer.Evicted, bus *eventbus.Bus) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evictions:
			if !ok {
				return
			}
			if err := s.Record(ctx, ev); err != nil {
				s.logger.Warn("archive write failed",
					zap.String("node", ev.Node.ID),
					zap.Error(err))
			}
			if bus != nil {
				if err := bus.Publish(ctx, &eventbus.Event{
					Type: "evicted", NodeID: ev.Node.ID,
					Layer: string(ev.Node.Layer), Detail: ev.Reason,
				}); err != nil {
					s.logger.Warn("evict event publish failed", zap.Error(err))
				}
			}
		}
	}
}
