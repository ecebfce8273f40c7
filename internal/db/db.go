// Package db owns the workspace's sqlite index file under .jobtrace/.
// The file is a disposable cache over the artifact tree: Remove is
// always safe, the next open rebuilds the schema and the index command
// rebuilds the rows.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	metaDirName = ".jobtrace"
	dbFileName  = "jobtrace.db"
)

type Config struct {
	Workspace string
}

// Path returns the index database path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, metaDirName, dbFileName)
}

// EnsureWorkspace creates the workspace metadata directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Dir(Path(workspace))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("workspace metadata dir: %w", err)
	}
	return dir, nil
}

// Open opens the index database, creating the metadata directory on
// first use. Foreign keys on, short busy timeout so a CLI invocation
// and a running server can share the file.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", Path(cfg.Workspace))
	return sql.Open("sqlite", dsn)
}

// Remove deletes the index database file; missing is fine.
func Remove(workspace string) error {
	if err := os.Remove(Path(workspace)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
