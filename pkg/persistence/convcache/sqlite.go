package convcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/chatrail/chatrail/pkg/session"
)

// SQLiteCache persists conversation snapshots to a local SQLite file so the
// conversation survives a full widget reload.
type SQLiteCache struct {
	db *sql.DB
}

var _ Cache = &SQLiteCache{}

// SQLiteDSNForFile builds the DSN for a cache file.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite conversation cache: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func NewSQLiteCache(dsn string) (*SQLiteCache, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite conversation cache: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	c := &SQLiteCache{db: db}
	if err := c.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *SQLiteCache) migrate() error {
	if c == nil || c.db == nil {
		return errors.New("sqlite conversation cache: db is nil")
	}
	_, err := c.db.Exec(`CREATE TABLE IF NOT EXISTS conversations (
		conv_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		messages_json TEXT NOT NULL DEFAULT '[]',
		updated_at_ms INTEGER NOT NULL
	);`)
	if err != nil {
		return errors.Wrap(err, "sqlite conversation cache: migrate")
	}
	return nil
}

func (c *SQLiteCache) Save(ctx context.Context, conv session.Conversation) error {
	if c == nil || c.db == nil {
		return errors.New("sqlite conversation cache: not initialized")
	}
	if !session.IsDurableID(conv.ID) {
		log.Debug().Str("component", "convcache").Str("conv_id", conv.ID).Msg("skipping snapshot for non-durable conversation id")
		return nil
	}
	payload, err := json.Marshal(conv.Messages)
	if err != nil {
		return errors.Wrap(err, "sqlite conversation cache: marshal messages")
	}
	updatedAt := conv.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err = c.db.ExecContext(ctx, `INSERT INTO conversations (conv_id, status, messages_json, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conv_id) DO UPDATE SET
			status = excluded.status,
			messages_json = excluded.messages_json,
			updated_at_ms = excluded.updated_at_ms`,
		conv.ID, string(conv.Status), string(payload), updatedAt.UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite conversation cache: save")
	}
	return nil
}

func (c *SQLiteCache) Load(ctx context.Context, conversationID string) (session.Conversation, bool, error) {
	if c == nil || c.db == nil {
		return session.Conversation{}, false, errors.New("sqlite conversation cache: not initialized")
	}
	if !session.IsDurableID(conversationID) {
		return session.Conversation{}, false, nil
	}
	row := c.db.QueryRowContext(ctx, `SELECT status, messages_json, updated_at_ms FROM conversations WHERE conv_id = ?`, conversationID)
	var (
		status      string
		messages    string
		updatedAtMs int64
	)
	if err := row.Scan(&status, &messages, &updatedAtMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Conversation{}, false, nil
		}
		return session.Conversation{}, false, errors.Wrap(err, "sqlite conversation cache: load")
	}
	conv := session.Conversation{
		ID:        conversationID,
		Status:    session.Status(status),
		UpdatedAt: time.UnixMilli(updatedAtMs),
	}
	if err := json.Unmarshal([]byte(messages), &conv.Messages); err != nil {
		return session.Conversation{}, false, errors.Wrap(err, "sqlite conversation cache: unmarshal messages")
	}
	return conv, true, nil
}

func (c *SQLiteCache) Delete(ctx context.Context, conversationID string) error {
	if c == nil || c.db == nil {
		return errors.New("sqlite conversation cache: not initialized")
	}
	_, err := c.db.ExecContext(ctx, `DELETE FROM conversations WHERE conv_id = ?`, conversationID)
	if err != nil {
		return errors.Wrap(err, "sqlite conversation cache: delete")
	}
	return nil
}
