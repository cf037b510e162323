// Package db owns the on-disk workspace layout: a .modelbay data directory
// holding the SQLite database.
package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const (
	dataDirName = ".modelbay"
	dbFileName  = "modelbay.db"
)

// openPragmas ride along on the DSN and apply to every connection.
var openPragmas = []string{"foreign_keys(1)", "busy_timeout(5000)"}

type Config struct {
	Workspace string
}

func dataDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dataDirName)
}

// EnsureWorkspace creates the workspace data directory if missing and
// returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := dataDir(workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Path returns the database file path for the workspace.
func Path(workspace string) string {
	return filepath.Join(dataDir(workspace), dbFileName)
}

// Open opens the workspace database. The pool is capped at a single
// connection; all access from one process is serialized through it.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := "file:" + Path(cfg.Workspace) + "?_pragma=" + strings.Join(openPragmas, "&_pragma=")
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}
