package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/pocketchat/internal/chat"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding chat history.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "pocketchat.db")
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

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate applies the embedded migrations that are not recorded in
// schema_version yet, each in its own transaction.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	applied, err := s.AppliedMigrations()
	if err != nil {
		return fmt.Errorf("reading applied migrations: %w", err)
	}

	pending, err := pendingMigrations(applied)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if err := s.applyMigration(m); err != nil {
			return err
		}
	}
	return nil
}

type migration struct {
	version int
	file    string
}

// pendingMigrations lists embedded migrations missing from applied, oldest first.
func pendingMigrations(applied []int) ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		v, err := parseMigrationVersion(e.Name())
		if err != nil {
			return nil, err
		}
		if !slices.Contains(applied, v) {
			out = append(out, migration{version: v, file: e.Name()})
		}
	}
	slices.SortFunc(out, func(a, b migration) int { return a.version - b.version })
	return out, nil
}

func (s *Store) applyMigration(m migration) error {
	body, err := migrationsFS.ReadFile("migrations/" + m.file)
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", m.file, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: %w", m.version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return fmt.Errorf("applying migration %d: %w", m.version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
		return fmt.Errorf("recording migration %d: %w", m.version, err)
	}
	return tx.Commit()
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version")
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

// --- Chats ---

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const chatColumns = `id, title, messages, thinking_output, provider_id, model_id, provider_metadata, created_at, updated_at`

type encodedChat struct {
	messages, thinking, metadata string
}

func encodeChat(in ChatInput) (encodedChat, error) {
	msgs := in.Messages
	if msgs == nil {
		msgs = []chat.Message{}
	}
	m, err := json.Marshal(msgs)
	if err != nil {
		return encodedChat{}, fmt.Errorf("encoding messages: %w", err)
	}
	thinking := in.Thinking
	if thinking == nil {
		thinking = []string{}
	}
	th, err := json.Marshal(thinking)
	if err != nil {
		return encodedChat{}, fmt.Errorf("encoding thinking output: %w", err)
	}
	meta := "{}"
	if len(in.ProviderMetadata) > 0 {
		if !json.Valid(in.ProviderMetadata) {
			return encodedChat{}, errors.New("provider metadata is not valid JSON")
		}
		meta = string(in.ProviderMetadata)
	}
	return encodedChat{messages: string(m), thinking: string(th), metadata: meta}, nil
}

// InsertChat creates a chat and returns its generated id.
func (s *Store) InsertChat(ctx context.Context, in ChatInput) (int64, error) {
	enc, err := encodeChat(in)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC().Format(timeLayout)

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO chats (title, messages, thinking_output, provider_id, model_id, provider_metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		in.Title, enc.messages, enc.thinking, string(in.ProviderID), in.ModelID, enc.metadata, now, now,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting chat: %w", err)
	}
	return id, nil
}

// UpdateChat replaces the content of chat id.
func (s *Store) UpdateChat(ctx context.Context, id int64, in ChatInput) error {
	enc, err := encodeChat(in)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE chats SET title = ?, messages = ?, thinking_output = ?, provider_id = ?, model_id = ?, provider_metadata = ?, updated_at = ?
		WHERE id = ?`,
		in.Title, enc.messages, enc.thinking, string(in.ProviderID), in.ModelID, enc.metadata,
		time.Now().UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("updating chat %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetChat(ctx context.Context, id int64) (Chat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, id)
	c, err := scanChat(row)
	if err == sql.ErrNoRows {
		return Chat{}, ErrNotFound
	}
	return c, err
}

// ListChats returns up to limit chats, most recently updated first.
func (s *Store) ListChats(ctx context.Context, limit int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+chatColumns+` FROM chats ORDER BY updated_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

func (s *Store) DeleteChat(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(sc scanner) (Chat, error) {
	var (
		c                    Chat
		title                sql.NullString
		msgs, thinking, meta string
		provider             string
		createdAt, updatedAt string
	)
	if err := sc.Scan(&c.ID, &title, &msgs, &thinking, &provider, &c.ModelID, &meta, &createdAt, &updatedAt); err != nil {
		return Chat{}, err
	}
	if title.Valid {
		t := title.String
		c.Title = &t
	}
	c.ProviderID = chat.ProviderID(provider)
	if err := json.Unmarshal([]byte(msgs), &c.Messages); err != nil {
		return Chat{}, fmt.Errorf("decoding messages of chat %d: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(thinking), &c.Thinking); err != nil {
		return Chat{}, fmt.Errorf("decoding thinking output of chat %d: %w", c.ID, err)
	}
	c.ProviderMetadata = json.RawMessage(meta)

	var err error
	if c.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return Chat{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return Chat{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}
