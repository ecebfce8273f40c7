// Package app wires a workspace into the runtime objects the CLI and
// server share: config, sqlite index, repository seam, event log and
// snapshot guard.
package app

import (
	"database/sql"
	"fmt"

	"jobtrace/internal/config"
	"jobtrace/internal/db"
	"jobtrace/internal/events"
	"jobtrace/internal/index"
	"jobtrace/internal/migrate"
	"jobtrace/internal/repo"
	"jobtrace/internal/snapshot"
)

// Runtime is everything assembled from one workspace.
type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Index     *index.Index
	Repo      repo.Repo
	Events    events.Writer
	Guard     *snapshot.Guard
}

// Open assembles a Runtime. The sqlite index is opened best-effort: if
// it cannot be opened or migrated it is deleted and recreated once,
// and if that also fails the runtime carries no index — every read
// then uses the directory-scan fallback. Index corruption never blocks
// a workspace.
func Open(workspace string) (*Runtime, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Workspace: workspace, Config: cfg}

	conn, err := openIndexDB(workspace)
	if err == nil {
		rt.DB = conn
		rt.Index = &index.Index{DB: conn, Root: workspace}
		rt.Events = events.Writer{DB: conn}
	}
	rt.Repo = repo.Repo{Root: workspace}
	if rt.Index != nil {
		rt.Repo.Index = *rt.Index
	}

	guard, err := snapshot.Load(workspace, cfg.SnapshotsPath(workspace))
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Guard = guard
	return rt, nil
}

func openIndexDB(workspace string) (*sql.DB, error) {
	try := func() (*sql.DB, error) {
		conn, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			return nil, err
		}
		if err := migrate.Migrate(conn); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
	conn, err := try()
	if err == nil {
		return conn, nil
	}
	// Corrupt index file: drop the cache and rebuild the schema fresh.
	if rmErr := db.Remove(workspace); rmErr != nil {
		return nil, fmt.Errorf("open index: %w (remove failed: %v)", err, rmErr)
	}
	return try()
}

// Close releases the index database handle.
func (rt *Runtime) Close() {
	if rt.DB != nil {
		rt.DB.Close()
	}
}
