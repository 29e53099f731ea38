package personas

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/persona-curator/pkg/types"
)

const personaTable = "personas"

var personaColumns = []string{
	"identity_key",
	"recipient_name",
	"job_title",
	"company",
	"conversation_context",
	"personality_traits",
	"pending",
	"updated_at",
}

const schema = `
CREATE TABLE IF NOT EXISTS personas (
    identity_key         TEXT PRIMARY KEY,
    recipient_name       TEXT NOT NULL,
    job_title            TEXT NOT NULL DEFAULT '',
    company              TEXT NOT NULL DEFAULT '',
    conversation_context TEXT NOT NULL DEFAULT '',
    personality_traits   TEXT NOT NULL DEFAULT '',
    pending              INTEGER NOT NULL DEFAULT 0,
    updated_at           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_personas_pending ON personas(pending);
`

// Entry is a cached persona.
type Entry struct {
	Persona   types.Persona
	Pending   bool // saved locally, not yet accepted by the service
	UpdatedAt time.Time
}

// Cache is the local SQLite copy of the persona list.
type Cache struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// OpenCache opens (or creates) the cache database at path. ":memory:" keeps
// it in memory.
func OpenCache(path string) (*Cache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 單一連線：":memory:" 每條連線都是獨立資料庫
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Cache{db: db, path: path, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Path returns the database location.
func (c *Cache) Path() string { return c.path }

// List returns cached personas ordered by recipient name.
func (c *Cache) List(ctx context.Context) ([]Entry, error) {
	query, args, err := sq.Select(personaColumns...).
		From(personaTable).
		OrderBy("recipient_name COLLATE NOCASE", "identity_key").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}
	return c.query(ctx, query, args...)
}

// Pending returns personas saved while the service was unreachable.
func (c *Cache) Pending(ctx context.Context) ([]Entry, error) {
	query, args, err := sq.Select(personaColumns...).
		From(personaTable).
		Where(sq.Eq{"pending": 1}).
		OrderBy("updated_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build pending query: %w", err)
	}
	return c.query(ctx, query, args...)
}

// Get returns the cached persona with the given identity.
func (c *Cache) Get(ctx context.Context, id types.PersonaIdentity) (Entry, error) {
	query, args, err := sq.Select(personaColumns...).
		From(personaTable).
		Where(sq.Eq{"identity_key": id.Key()}).
		ToSql()
	if err != nil {
		return Entry{}, fmt.Errorf("build get query: %w", err)
	}
	entries, err := c.query(ctx, query, args...)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, ErrPersonaNotFound
	}
	return entries[0], nil
}

// Upsert stores p, replacing any persona with the same identity.
func (c *Cache) Upsert(ctx context.Context, p types.Persona, pending bool) error {
	return c.upsert(ctx, c.db, p, pending)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (c *Cache) upsert(ctx context.Context, db execer, p types.Persona, pending bool) error {
	query, args, err := sq.Insert(personaTable).
		Columns(personaColumns...).
		Values(
			p.Identity().Key(),
			p.RecipientName,
			p.JobTitle,
			p.Company,
			p.ConversationContext,
			p.PersonalityTraits,
			boolToInt(pending),
			c.now().UTC().Format(time.RFC3339Nano),
		).
		Suffix(`ON CONFLICT(identity_key) DO UPDATE SET
            recipient_name = excluded.recipient_name,
            job_title = excluded.job_title,
            company = excluded.company,
            conversation_context = excluded.conversation_context,
            personality_traits = excluded.personality_traits,
            pending = excluded.pending,
            updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert persona: %w", err)
	}
	return nil
}

// Delete removes the persona with the given identity.
func (c *Cache) Delete(ctx context.Context, id types.PersonaIdentity) error {
	query, args, err := sq.Delete(personaTable).
		Where(sq.Eq{"identity_key": id.Key()}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete persona: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrPersonaNotFound
	}
	return nil
}

// Replace swaps the synced part of the cache for list in one transaction.
// Pending personas survive so they can still be pushed later.
func (c *Cache) Replace(ctx context.Context, list []types.Persona) (err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query, args, err := sq.Delete(personaTable).Where(sq.Eq{"pending": 0}).ToSql()
	if err != nil {
		return fmt.Errorf("build clear: %w", err)
	}
	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	for _, p := range list {
		if !p.Valid() {
			continue
		}
		if err = c.upsert(ctx, tx, p, false); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (c *Cache) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query personas: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			key       string
			e         Entry
			pending   int
			updatedAt string
		)
		if err := rows.Scan(
			&key,
			&e.Persona.RecipientName,
			&e.Persona.JobTitle,
			&e.Persona.Company,
			&e.Persona.ConversationContext,
			&e.Persona.PersonalityTraits,
			&pending,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan persona: %w", err)
		}
		e.Pending = pending != 0
		if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			e.UpdatedAt = ts
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate personas: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IsNotFound reports whether err means the persona is not cached.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPersonaNotFound)
}
