package storage

import (
	"context"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/agentmesh/mesh/internal/agentmesherr"
)

// RunMigrations executes every .sql file in migrationsFS against the
// SQL adapter's connection pool, in filename order. It is a simple
// forward-only runner meant for development, tests, and first-boot
// schema setup; it does not track which migrations already ran, so
// every statement must be idempotent (CREATE TABLE IF NOT EXISTS, etc.).
func (s *SQLAdapter) RunMigrations(ctx context.Context, migrationsFS fs.FS, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return agentmesherr.Wrap(agentmesherr.KindStorageError, "storage.sql.migrate", "read migrations dir", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, entry.Name())
		if err != nil {
			return agentmesherr.Wrap(agentmesherr.KindStorageError, "storage.sql.migrate", "read migration "+entry.Name(), err)
		}

		logger.Info("storage: running migration", "file", entry.Name())
		if _, err := s.pool.Exec(ctx, string(content)); err != nil {
			return agentmesherr.Wrap(agentmesherr.KindStorageError, "storage.sql.migrate", "execute migration "+entry.Name(), err)
		}
	}

	return nil
}
