package personalchat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"unigate/internal/chat"
)

// schemaVersion is the current expected cache schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "chats and messages",
		SQL: `
		CREATE TABLE IF NOT EXISTS chats (
			jid        TEXT PRIMARY KEY,
			name       TEXT DEFAULT '',
			updated_at INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS messages (
			chat_jid  TEXT NOT NULL REFERENCES chats(jid) ON DELETE CASCADE,
			id        TEXT NOT NULL,
			sender    TEXT DEFAULT '',
			body      TEXT,
			sent_at   INTEGER NOT NULL,
			from_me   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (chat_jid, id)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_chat_time ON messages(chat_jid, sent_at);
		`,
	},
	{
		Version:     2,
		Description: "chat participants",
		SQL: `
		CREATE TABLE IF NOT EXISTS participants (
			chat_jid TEXT NOT NULL REFERENCES chats(jid) ON DELETE CASCADE,
			name     TEXT NOT NULL,
			PRIMARY KEY (chat_jid, name)
		);
		`,
	},
}

// Cache keeps the chats and messages seen by this process. The SDK has no
// history API, so listings and history are answered from here.
type Cache struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenCache opens the cache at dsn, or an in-memory database when dsn is
// empty.
func OpenCache(dsn string, logger *slog.Logger) (*Cache, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open cache: %w", err)
	}
	// A single connection keeps one in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	c := &Cache{db: db, logger: logger}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache migration failed: %w", err)
	}
	return c, nil
}

// Close closes the database.
func (c *Cache) Close() error { return c.db.Close() }

func (c *Cache) migrate() error {
	if _, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current := 0
	if err := c.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		c.logger.Debug("applying cache migration", "version", m.Version, "description", m.Description)

		tx, err := c.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the applied schema version.
func (c *Cache) SchemaVersion() (int, error) {
	var v int
	err := c.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	return v, err
}

// UpsertChat records a chat and, if given, its display name and a participant.
func (c *Cache) UpsertChat(ctx context.Context, jid, name, participant string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO chats (jid, name) VALUES (?, ?)
		 ON CONFLICT(jid) DO UPDATE SET name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END`,
		jid, name)
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	if participant == "" {
		return nil
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO participants (chat_jid, name) VALUES (?, ?)`, jid, participant)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// HasChat reports whether jid is known.
func (c *Cache) HasChat(ctx context.Context, jid string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats WHERE jid = ?`, jid).Scan(&n)
	return n > 0, err
}

// AddMessage stores a message, creating its chat. Duplicates are ignored.
// Returns false for a duplicate.
func (c *Cache) AddMessage(ctx context.Context, it chat.Item) (bool, error) {
	if err := c.UpsertChat(ctx, it.ThreadID, "", ""); err != nil {
		return false, err
	}
	var body sql.NullString
	if it.Text != nil {
		body = sql.NullString{String: *it.Text, Valid: true}
	}
	res, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (chat_jid, id, sender, body, sent_at, from_me) VALUES (?, ?, ?, ?, ?, ?)`,
		it.ThreadID, it.ID, it.Sender, body, it.Timestamp.UnixNano(), it.FromMe)
	if err != nil {
		return false, fmt.Errorf("add message: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	_, err = c.db.ExecContext(ctx,
		`UPDATE chats SET updated_at = MAX(updated_at, ?) WHERE jid = ?`, it.Timestamp.UnixNano(), it.ThreadID)
	return true, err
}

// Threads returns every chat with its participants and latest message,
// most recently active first.
func (c *Cache) Threads(ctx context.Context) ([]chat.Thread, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT jid, name FROM chats ORDER BY updated_at DESC, jid`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	type row struct{ jid, name string }
	var chats []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.jid, &r.name); err != nil {
			rows.Close()
			return nil, err
		}
		chats = append(chats, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	threads := make([]chat.Thread, 0, len(chats))
	for _, r := range chats {
		t := chat.Thread{ID: r.jid}
		names, err := c.participants(ctx, r.jid)
		if err != nil {
			return nil, err
		}
		switch {
		case len(names) > 0:
			t.Participants = names
		case r.name != "":
			t.Participants = []string{r.name}
		}
		last, err := c.lastMessage(ctx, r.jid)
		if err != nil {
			return nil, err
		}
		t.Last = last
		threads = append(threads, t)
	}
	return threads, nil
}

// History returns the stored messages of jid in time order.
func (c *Cache) History(ctx context.Context, jid string) ([]chat.Item, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, sender, body, sent_at, from_me FROM messages WHERE chat_jid = ? ORDER BY sent_at, id`, jid)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var items []chat.Item
	for rows.Next() {
		it, err := scanItem(rows, jid)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (c *Cache) participants(ctx context.Context, jid string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name FROM participants WHERE chat_jid = ? ORDER BY name`, jid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (c *Cache) lastMessage(ctx context.Context, jid string) (*chat.Item, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, sender, body, sent_at, from_me FROM messages WHERE chat_jid = ? ORDER BY sent_at DESC, id DESC LIMIT 1`, jid)
	it, err := scanItem(row, jid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner, jid string) (chat.Item, error) {
	var (
		it     chat.Item
		body   sql.NullString
		sentAt int64
		fromMe bool
	)
	if err := s.Scan(&it.ID, &it.Sender, &body, &sentAt, &fromMe); err != nil {
		return chat.Item{}, err
	}
	it.ThreadID = jid
	it.Timestamp = time.Unix(0, sentAt)
	it.FromMe = fromMe
	if body.Valid {
		text := body.String
		it.Text = &text
	}
	return it, nil
}
