package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the conversation log.
type Store struct {
	db  *sql.DB
	dim int
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
//
// dim pins the embedding dimension of the store. The first Open of a new
// database records it; later opens with a different dim fail with ErrDimension.
func Open(dataDir string, dim int) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", dim)
	}

	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "recall.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	// Appends must survive power loss, not just process exit.
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting synchronous mode: %w", err)
	}

	s := &Store{db: db, dim: dim}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if err := s.pinDimension(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dimension returns the embedding dimension the store accepts.
func (s *Store) Dimension() int {
	return s.dim
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
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
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
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
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
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

// pinDimension records the store dimension on first use and rejects a
// mismatching dimension afterwards.
func (s *Store) pinDimension() error {
	var raw string
	err := s.db.QueryRow("SELECT value FROM store_meta WHERE key = 'dimension'").Scan(&raw)
	if err == sql.ErrNoRows {
		if _, err := s.db.Exec("INSERT INTO store_meta (key, value) VALUES ('dimension', ?)", strconv.Itoa(s.dim)); err != nil {
			return fmt.Errorf("recording dimension: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading dimension: %w", err)
	}
	stored, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("parsing stored dimension %q: %w", raw, err)
	}
	if stored != s.dim {
		return fmt.Errorf("store was created for dimension %d: %w", stored, dimensionError(s.dim, stored))
	}
	return nil
}

// --- Conversations ---

const conversationColumns = `id, prompt, response, embedding, created_at`

// Append stores a conversation and returns its newly assigned id.
func (s *Store) Append(ctx context.Context, prompt, response string, embedding []float32) (int64, error) {
	if len(embedding) != s.dim {
		return 0, dimensionError(len(embedding), s.dim)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (prompt, response, embedding, dim, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		prompt, response, encodeFloat32s(embedding), len(embedding),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading inserted id: %w", err)
	}
	return id, nil
}

// AppendBatch stores all conversations in a single transaction and returns
// their ids in input order. Either every record is stored or none is.
func (s *Store) AppendBatch(ctx context.Context, convs []NewConversation) ([]int64, error) {
	if len(convs) == 0 {
		return nil, nil
	}
	for i, c := range convs {
		if len(c.Embedding) != s.dim {
			return nil, fmt.Errorf("conversation %d: %w", i, dimensionError(len(c.Embedding), s.dim))
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning insert transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversations (prompt, response, embedding, dim, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	ids := make([]int64, len(convs))
	for i, c := range convs {
		res, err := stmt.ExecContext(ctx, c.Prompt, c.Response, encodeFloat32s(c.Embedding), len(c.Embedding),
			time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("inserting conversation %d: %w", i, err)
		}
		if ids[i], err = res.LastInsertId(); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("reading inserted id %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing batch: %w", err)
	}
	return ids, nil
}

// Get returns a single conversation by id.
func (s *Store) Get(ctx context.Context, id int64) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

// GetAll returns every conversation in insertion order. The rows are read
// inside one transaction, so concurrent appends are either fully visible or
// not at all.
func (s *Store) GetAll(ctx context.Context) ([]Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning snapshot: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+conversationColumns+` FROM conversations ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetMany returns the conversations with the given ids. Unknown ids are
// absent from the result.
func (s *Store) GetMany(ctx context.Context, ids []int64) (map[int64]Conversation, error) {
	out := make(map[int64]Conversation, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying by ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

// ListRecent returns the newest conversations first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+conversationColumns+` FROM conversations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Count returns the number of stored conversations and the highest id (0 when empty).
func (s *Store) Count(ctx context.Context) (count int, lastID int64, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(MAX(id), 0) FROM conversations`).Scan(&count, &lastID)
	return count, lastID, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var blob []byte
	var createdAt string
	if err := row.Scan(&c.ID, &c.Prompt, &c.Response, &blob, &createdAt); err != nil {
		return Conversation{}, err
	}
	emb, err := decodeFloat32s(blob)
	if err != nil {
		return Conversation{}, fmt.Errorf("decoding embedding for %d: %w", c.ID, err)
	}
	c.Embedding = emb
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at for %d: %w", c.ID, err)
	}
	c.CreatedAt = t
	return c, nil
}
