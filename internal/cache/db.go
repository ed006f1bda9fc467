package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go-chat-sync/internal/chat"

	_ "modernc.org/sqlite"
)

// ErrMiss means the cache never saw a successful fetch for the key.
var ErrMiss = errors.New("cache miss")

const currentSchemaVersion = 1

const (
	keyChats = "chats"
	keyUsers = "users"
)

func messagesKey(chatID chat.ID) string { return "messages:" + chatID.String() }

// DB is the local copy of the last fetched chat list, available users and
// per-chat histories. Rows hold the JSON form of the models.
type DB struct {
	*sql.DB
	now func() time.Time
}

func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{DB: db, now: time.Now}, nil
}

// dsn carries the pragmas in the query so the driver applies them to every
// pooled connection, not only the first one.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	return path + "?" + q.Encode()
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("cache schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	if version >= 1 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			payload TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			payload TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			payload TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, seq);
		CREATE TABLE IF NOT EXISTS synced (
			key TEXT PRIMARY KEY,
			at INTEGER NOT NULL
		);
	`); err != nil {
		return err
	}
	if _, err := tx.Exec("PRAGMA user_version = 1"); err != nil {
		return err
	}
	return tx.Commit()
}

// SyncedAt reports when key was last saved from a successful fetch.
func (d *DB) SyncedAt(ctx context.Context, key string) (time.Time, error) {
	var at int64
	err := d.QueryRowContext(ctx, "SELECT at FROM synced WHERE key = ?", key).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrMiss
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(at), nil
}

func (d *DB) markSynced(ctx context.Context, tx *sql.Tx, key string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO synced (key, at) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET at = excluded.at",
		key, d.now().UnixMilli())
	return err
}

func (d *DB) SaveChats(ctx context.Context, chats []chat.Chat) error {
	return d.replaceList(ctx, "chats", keyChats, len(chats), func(i int) (chat.ID, any) { return chats[i].ID, chats[i] })
}

func (d *DB) Chats(ctx context.Context) ([]chat.Chat, error) {
	return readList[chat.Chat](ctx, d, "chats", keyChats)
}

func (d *DB) SaveUsers(ctx context.Context, users []chat.User) error {
	return d.replaceList(ctx, "users", keyUsers, len(users), func(i int) (chat.ID, any) { return users[i].ID, users[i] })
}

func (d *DB) Users(ctx context.Context) ([]chat.User, error) {
	return readList[chat.User](ctx, d, "users", keyUsers)
}

// replaceList swaps the whole table for a freshly fetched list. table is
// always one of the constants above.
func (d *DB) replaceList(ctx context.Context, table, key string, n int, item func(int) (chat.ID, any)) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO "+table+" (id, position, payload) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i := 0; i < n; i++ {
		id, v := item(i)
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", table, id, err)
		}
		if _, err := stmt.ExecContext(ctx, id.String(), i, string(payload)); err != nil {
			return err
		}
	}
	if err := d.markSynced(ctx, tx, key); err != nil {
		return err
	}
	return tx.Commit()
}

func readList[T any](ctx context.Context, d *DB, table, key string) ([]T, error) {
	if _, err := d.SyncedAt(ctx, key); err != nil {
		return nil, err
	}
	rows, err := d.QueryContext(ctx, "SELECT payload FROM "+table+" ORDER BY position")
	if err != nil {
		return nil, err
	}
	return scanPayloads[T](rows)
}

func scanPayloads[T any](rows *sql.Rows) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// PutChat stores a chat at the front of the list, or refreshes it in place
// when it is already there.
func (d *DB) PutChat(ctx context.Context, c chat.Chat) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = d.ExecContext(ctx, `
		INSERT INTO chats (id, position, payload)
		VALUES (?, (SELECT COALESCE(MIN(position), 0) - 1 FROM chats), ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		c.ID.String(), string(payload))
	return err
}

func (d *DB) DeleteChat(ctx context.Context, chatID chat.ID) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, q := range []string{
		"DELETE FROM chats WHERE id = ?",
		"DELETE FROM messages WHERE chat_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, chatID.String()); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM synced WHERE key = ?", messagesKey(chatID)); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *DB) SaveMessages(ctx context.Context, chatID chat.ID, msgs []chat.Message) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE chat_id = ?", chatID.String()); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT OR REPLACE INTO messages (id, chat_id, seq, payload) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, m := range msgs {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, m.ID.String(), chatID.String(), i, string(payload)); err != nil {
			return err
		}
	}
	if err := d.markSynced(ctx, tx, messagesKey(chatID)); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendMessage adds a confirmed message to the end of its chat's history.
// Histories that were never fetched stay a miss.
func (d *DB) AppendMessage(ctx context.Context, m chat.Message) error {
	if _, err := d.SyncedAt(ctx, messagesKey(m.ChatID)); err != nil {
		if errors.Is(err, ErrMiss) {
			return nil
		}
		return err
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = d.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, seq, payload)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE chat_id = ?), ?)
		ON CONFLICT(id) DO NOTHING`,
		m.ID.String(), m.ChatID.String(), m.ChatID.String(), string(payload))
	return err
}

func (d *DB) Messages(ctx context.Context, chatID chat.ID) ([]chat.Message, error) {
	if _, err := d.SyncedAt(ctx, messagesKey(chatID)); err != nil {
		return nil, err
	}
	rows, err := d.QueryContext(ctx, "SELECT payload FROM messages WHERE chat_id = ? ORDER BY seq", chatID.String())
	if err != nil {
		return nil, err
	}
	return scanPayloads[chat.Message](rows)
}

func (d *DB) DeleteMessages(ctx context.Context, chatID chat.ID, ids []chat.ID) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE chat_id = ? AND id = ?", chatID.String(), id.String()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Clear drops everything, used when the user logs out.
func (d *DB) Clear(ctx context.Context) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, table := range []string{"chats", "users", "messages", "synced"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return tx.Commit()
}
