package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Store is the durable record store for users, tasks and conversation turns.
// The same queries run against SQLite and Postgres; only placeholder syntax
// and error classification differ.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Driver reports the backing database ("sqlite" or "postgres").
func (s *Store) Driver() string {
	return s.dialect.String()
}

// rebind rewrites ? placeholders into $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// migrate reads embedded SQL migration files for the active dialect and
// applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	dir := "migrations/" + s.dialect.String()
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow(s.rebind("SELECT COUNT(*) FROM schema_version WHERE version = ?"), version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(dir + "/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec(s.rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"), version, formatTime(time.Now())); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return t, nil
}

// --- Users ---

// CreateUser registers a participant id. A duplicate id yields ErrConflict.
func (s *Store) CreateUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO users (id, created_at) VALUES (?, ?)`), id, formatTime(time.Now()))
	if err != nil {
		if s.isUniqueViolation(err) {
			return fmt.Errorf("user %s: %w", id, ErrConflict)
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id string) (User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, created_at FROM users WHERE id = ?`), id).Scan(&u.ID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return User{}, err
	}
	return u, nil
}

// --- Tasks ---

// UpsertTask inserts a task or replaces the name and description of an
// existing one.
func (s *Store) UpsertTask(ctx context.Context, t Task) error {
	return s.UpsertTasks(ctx, []Task{t})
}

// UpsertTasks upserts every task in one transaction: either all of them are
// written or none is.
func (s *Store) UpsertTasks(ctx context.Context, tasks []Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning task upsert: %w", err)
	}
	defer tx.Rollback()

	q := s.rebind(`
		INSERT INTO tasks (id, name, description) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description`)
	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx, q, t.ID, t.Name, t.Description); err != nil {
			return fmt.Errorf("upserting task %d: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing tasks: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id int) (Task, error) {
	var t Task
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, name, description FROM tasks WHERE id = ?`), id).
		Scan(&t.ID, &t.Name, &t.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description FROM tasks ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Name, &t.Description); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// --- Turns ---

// CountTurns returns how many turns exist for (userID, taskID).
func (s *Store) CountTurns(ctx context.Context, userID string, taskID int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM turns WHERE user_id = ? AND task_id = ?`), userID, taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting turns: %w", err)
	}
	return n, nil
}

// AppendTurn stores t as the next turn of its (user, task) conversation.
// t.TurnNumber must equal the current count plus one; otherwise, or when a
// concurrent writer took the same number first, ErrConflict is returned and
// nothing is written. ID and CreatedAt are filled in when zero.
func (s *Store) AppendTurn(ctx context.Context, t Turn) (Turn, error) {
	if t.TurnNumber < 1 {
		return Turn{}, fmt.Errorf("turn number %d out of range", t.TurnNumber)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM turns WHERE user_id = ? AND task_id = ?`), t.UserID, t.TaskID).Scan(&count); err != nil {
		return Turn{}, fmt.Errorf("counting turns: %w", err)
	}
	if count != t.TurnNumber-1 {
		return Turn{}, fmt.Errorf("turn %d for %s/%d (have %d): %w", t.TurnNumber, t.UserID, t.TaskID, count, ErrConflict)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO turns (id, user_id, task_id, turn_number, prompt_text, response_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.UserID, t.TaskID, t.TurnNumber, t.PromptText, t.ResponseText, formatTime(t.CreatedAt),
	)
	if err != nil {
		if s.isUniqueViolation(err) {
			return Turn{}, fmt.Errorf("turn %d for %s/%d: %w", t.TurnNumber, t.UserID, t.TaskID, ErrConflict)
		}
		return Turn{}, fmt.Errorf("inserting turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if s.isUniqueViolation(err) {
			return Turn{}, fmt.Errorf("turn %d for %s/%d: %w", t.TurnNumber, t.UserID, t.TaskID, ErrConflict)
		}
		return Turn{}, fmt.Errorf("committing turn: %w", err)
	}
	return t, nil
}

const turnColumns = `id, user_id, task_id, turn_number, prompt_text, response_text, created_at`

// ListTurns returns the conversation for (userID, taskID) ordered by turn number.
func (s *Store) ListTurns(ctx context.Context, userID string, taskID int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+turnColumns+`
		FROM turns WHERE user_id = ? AND task_id = ? ORDER BY turn_number ASC`), userID, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	return scanTurns(rows)
}

// ExportCursor marks the last turn a previous export page ended on. The zero
// value starts from the beginning.
type ExportCursor struct {
	CreatedAt time.Time
	ID        string
}

// ListTurnsSince returns up to limit turns ordered by (created_at, id) that
// come strictly after cur. Without an ID every turn at cur.CreatedAt is
// excluded. Paging with the last returned turn as the next cursor visits
// every row once, even when timestamps tie.
func (s *Store) ListTurnsSince(ctx context.Context, cur ExportCursor, limit int) ([]Turn, error) {
	ts := formatTime(cur.CreatedAt)
	where, args := `created_at > ?`, []any{ts}
	if cur.ID != "" {
		where, args = `created_at > ? OR (created_at = ? AND id > ?)`, []any{ts, ts, cur.ID}
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+turnColumns+`
		FROM turns WHERE `+where+`
		ORDER BY created_at ASC, id ASC LIMIT ?`), append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	return scanTurns(rows)
}

// Cursor returns the position just after t for ListTurnsSince.
func (t Turn) Cursor() ExportCursor {
	return ExportCursor{CreatedAt: t.CreatedAt, ID: t.ID}
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		var t Turn
		var createdAt string
		if err := rows.Scan(&t.ID, &t.UserID, &t.TaskID, &t.TurnNumber, &t.PromptText, &t.ResponseText, &createdAt); err != nil {
			return nil, err
		}
		ts, err := parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		t.CreatedAt = ts
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// CompletedTaskIDs returns the distinct task ids the user has at least one
// turn for, ascending.
func (s *Store) CompletedTaskIDs(ctx context.Context, userID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT DISTINCT task_id FROM turns WHERE user_id = ? ORDER BY task_id ASC`), userID)
	if err != nil {
		return nil, fmt.Errorf("querying completed tasks: %w", err)
	}
	defer rows.Close()

	ids := []int{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
