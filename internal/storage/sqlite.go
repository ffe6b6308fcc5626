package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	memoryDSN  = ":memory:"
	sqliteFile = "promptlab.db"
)

// sqlitePragmas run once per Open. The store holds a single connection, so
// they stick for its lifetime. busy_timeout makes a writer from another
// process wait instead of failing with SQLITE_BUSY.
var sqlitePragmas = []struct{ name, stmt string }{
	{"busy timeout", "PRAGMA busy_timeout = 5000"},
	{"journal mode", "PRAGMA journal_mode=WAL"},
}

// Open returns a SQLite-backed Store whose file lives in dataDir, creating
// the directory and schema as needed. ":memory:" gives a private in-memory
// database.
func Open(dataDir string) (*Store, error) {
	dsn, err := sqliteDSN(dataDir)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", dsn, err)
	}
	// Every query shares one connection. An in-memory database exists per
	// connection, and turn appends rely on serialized writes.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite %s: %w", dsn, err)
	}
	for _, p := range sqlitePragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting %s: %w", p.name, err)
		}
	}

	s := &Store{db: db, dialect: dialectSQLite}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite schema: %w", err)
	}
	return s, nil
}

func sqliteDSN(dataDir string) (string, error) {
	if dataDir == memoryDSN {
		return memoryDSN, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("creating data dir %s: %w", dataDir, err)
	}
	return filepath.Join(dataDir, sqliteFile), nil
}
