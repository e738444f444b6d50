package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "guardline.db"

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".guardline", defaultDBName)
}

// EnsureDir creates the state directory if missing.
func EnsureDir(workspace string) (string, error) {
	path := filepath.Join(workspace, ".guardline")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the audit database for a workspace and applies migrations.
func Open(workspace string) (*sql.DB, error) {
	if _, err := EnsureDir(workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)", dbPath(workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Path returns the audit database path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
