package history

import (
	"context"
	"fmt"
	"log"

	"github.com/doitintl/intercloud-throughput/internal/config"
)

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Open returns the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.HistoryConfig, dataDir string, logger *log.Logger) (Store, error) {
	switch cfg.Backend {
	case "", config.BackendCSV:
		return NewFileStore(dataDir, WithFileLogger(logger))
	case config.BackendPostgres:
		return NewPostgresStore(ctx, cfg.DSN)
	case config.BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}
}
