// Package sqlite is a durable remote store. Records are written to SQLite
// first and then mirrored into a memory.Store, which owns the change streams.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/remote"
	"github.com/go-go-golems/parley/pkg/remote/memory"
)

const schemaV1 = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    title TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL,
    updated_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS conversations_owner_updated ON conversations (owner_id, updated_at_ms DESC);
CREATE TABLE IF NOT EXISTS messages (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    conversation_id TEXT NOT NULL REFERENCES conversations (id),
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
    content TEXT NOT NULL,
    created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_conversation_created ON messages (conversation_id, created_at_ms, seq);
`

// Store persists conversations and messages in a SQLite database.
type Store struct {
	mu     sync.Mutex
	dsn    string
	db     *sql.DB
	mem    *memory.Store
	logger zerolog.Logger
	closed bool
}

var _ remote.Store = (*Store)(nil)

type Option func(*Store)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore opens dsn, applies the schema and loads every record into memory.
func NewStore(dsn string, options ...Option) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: open")
	}

	s := &Store{
		dsn:    dsn,
		db:     db,
		logger: log.Logger,
	}
	for _, option := range options {
		option(s)
	}
	s.mem = memory.NewStore(memory.WithLogger(s.logger))

	if err := s.migrate(); err != nil {
		_ = s.mem.Close()
		_ = db.Close()
		return nil, err
	}
	if err := s.loadFromDB(); err != nil {
		_ = s.mem.Close()
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DSNForFile returns a WAL-mode DSN for a database file.
func DSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *Store) CreateConversation(ctx context.Context, conv conversation.Conversation) error {
	if err := remote.ValidateConversation(conv.OwnerID, conv.ID); err != nil {
		return err
	}
	if conv.Title == "" {
		conv.Title = conversation.DefaultTitle
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}

	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM conversations WHERE id = ?`, conv.ID).Scan(&owner)
	switch {
	case err == nil:
		if owner != conv.OwnerID {
			return fmt.Errorf("%w: conversation %s belongs to another owner", remote.ErrConflict, conv.ID)
		}
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return errors.Wrap(err, "sqlite store: lookup conversation")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, owner_id, title, created_at_ms, updated_at_ms) VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.OwnerID, conv.Title, conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return errors.Wrap(err, "sqlite store: insert conversation")
	}
	return s.mem.CreateConversation(context.WithoutCancel(ctx), conv)
}

func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg conversation.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("%w: message id is empty", remote.ErrInvalid)
	}
	if err := msg.Role.Validate(); err != nil {
		return fmt.Errorf("%w: %v", remote.ErrInvalid, err)
	}
	if _, err := conversation.ValidateContent(msg.Content); err != nil {
		return fmt.Errorf("%w: %v", remote.ErrInvalid, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.requireConversation(ctx, conversationID); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at_ms) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		msg.ID, conversationID, string(msg.Role), msg.Content, msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return errors.Wrap(err, "sqlite store: insert message")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}
	return s.mem.AppendMessage(context.WithoutCancel(ctx), conversationID, msg)
}

func (s *Store) UpdateConversationMeta(ctx context.Context, conversationID string, meta remote.MetaUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.requireConversation(ctx, conversationID); err != nil {
		return err
	}

	updatedAt := meta.UpdatedAt.UnixMilli()
	var title sql.NullString
	if meta.Title != nil {
		title = sql.NullString{String: *meta.Title, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at_ms = ?, title = COALESCE(?, title) WHERE id = ? AND updated_at_ms <= ?`,
		updatedAt, title, conversationID, updatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "sqlite store: update conversation")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.logger.Debug().Str("conversation_id", conversationID).Msg("dropping stale conversation update")
		return nil
	}
	return s.mem.UpdateConversationMeta(context.WithoutCancel(ctx), conversationID, meta)
}

func (s *Store) SubscribeConversations(
	ownerID string,
	onSnapshot func(remote.ConversationSnapshot),
	onError func(error),
) (remote.Subscription, error) {
	return s.mem.SubscribeConversations(ownerID, onSnapshot, onError)
}

func (s *Store) SubscribeMessages(
	conversationID string,
	onSnapshot func(remote.MessageSnapshot),
	onError func(error),
) (remote.Subscription, error) {
	return s.mem.SubscribeMessages(conversationID, onSnapshot, onError)
}

// Conversations returns the owner's conversations as currently loaded.
func (s *Store) Conversations(ownerID string) (remote.ConversationSnapshot, error) {
	return s.mem.Conversations(ownerID)
}

// Messages returns a conversation's messages as currently loaded.
func (s *Store) Messages(conversationID string) (remote.MessageSnapshot, error) {
	return s.mem.Messages(conversationID)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	memErr := s.mem.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return memErr
}

func (s *Store) requireConversation(ctx context.Context, conversationID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: conversation %s", remote.ErrNotFound, conversationID)
	}
	if err != nil {
		return errors.Wrap(err, "sqlite store: lookup conversation")
	}
	return nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return errors.Wrap(err, "sqlite store: enable foreign keys")
	}
	if _, err := s.db.Exec(schemaV1); err != nil {
		return errors.Wrap(err, "sqlite store: migrate")
	}
	return nil
}

func (s *Store) loadFromDB() error {
	rows, err := s.db.Query(`SELECT id, owner_id, title, created_at_ms, updated_at_ms FROM conversations`)
	if err != nil {
		return errors.Wrap(err, "sqlite store: load conversations")
	}
	defer func() {
		_ = rows.Close()
	}()

	count := 0
	for rows.Next() {
		var c conversation.Conversation
		var createdAt, updatedAt int64
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Title, &createdAt, &updatedAt); err != nil {
			return err
		}
		c.CreatedAt = fromMillis(createdAt)
		c.UpdatedAt = fromMillis(updatedAt)
		if _, _, err := s.mem.PutConversation(c); err != nil {
			return err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	msgRows, err := s.db.Query(`SELECT id, conversation_id, role, content, created_at_ms FROM messages ORDER BY conversation_id, created_at_ms, seq`)
	if err != nil {
		return errors.Wrap(err, "sqlite store: load messages")
	}
	defer func() {
		_ = msgRows.Close()
	}()

	msgCount := 0
	for msgRows.Next() {
		var m conversation.Message
		var role string
		var createdAt int64
		if err := msgRows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &createdAt); err != nil {
			return err
		}
		m.Role = conversation.Role(role)
		m.CreatedAt = fromMillis(createdAt)
		if _, _, err := s.mem.PutMessage(m.ConversationID, m); err != nil {
			return err
		}
		msgCount++
	}
	if err := msgRows.Err(); err != nil {
		return err
	}

	s.logger.Debug().
		Str("dsn", s.dsn).
		Int("conversations", count).
		Int("messages", msgCount).
		Msg("loaded sqlite store")
	return nil
}

func (s *Store) ensureOpen() error {
	if s.closed {
		return remote.ErrClosed
	}
	return nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
