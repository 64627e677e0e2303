package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskchat/internal/models"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

const titleMaxLen = 50

// Store owns durable conversations and messages. It is the only component
// that writes turn data; atomicity and ordering guarantees live here so the
// HTTP layer can stay stateless.
type Store struct {
	db *sql.DB
}

// NewStore builds a conversation store over the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new conversation owned by ownerID. The title is derived
// from the seed: the first 50 characters, with an ellipsis when truncated.
func (s *Store) Create(ctx context.Context, ownerID int64, titleSeed string) (*models.Conversation, error) {
	if ownerID <= 0 {
		return nil, errors.New("owner id is required")
	}
	title := deriveTitle(titleSeed)
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, title, meta, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		ownerID, title, "{}", now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}
	return &models.Conversation{
		ID:        id,
		UserID:    ownerID,
		Title:     title,
		Meta:      map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Get returns one conversation by id regardless of owner; callers enforce
// ownership.
func (s *Store) Get(ctx context.Context, conversationID int64) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, meta, created_at, updated_at FROM conversations WHERE id = ?`,
		conversationID,
	)
	return scanConversation(row)
}

// Load returns at most limit of the most recent messages, ascending by the
// (created_at, seq) total order. A missing conversation yields ErrNotFound.
func (s *Store) Load(ctx context.Context, conversationID int64, limit int) ([]*models.Message, error) {
	if _, err := s.Get(ctx, conversationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, tool_invocations, seq, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var newestFirst []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		newestFirst = append(newestFirst, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	messages := make([]*models.Message, len(newestFirst))
	for i, m := range newestFirst {
		messages[len(newestFirst)-1-i] = m
	}
	return messages, nil
}

// CommitTurn appends every message of one turn and bumps the conversation's
// updated_at inside a single transaction. Entries in meta are merged into the
// conversation metadata. On any failure the transaction rolls back in full,
// so partial turns are never visible.
func (s *Store) CommitTurn(ctx context.Context, conversationID int64, messages []*models.Message, meta map[string]string) error {
	if len(messages) == 0 {
		return errors.New("turn must contain at least one message")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin turn: %w", err)
	}
	defer tx.Rollback()

	var rawMeta sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT meta FROM conversations WHERE id = ?`, conversationID).Scan(&rawMeta)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock conversation: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}

	now := time.Now().UTC()
	for _, m := range messages {
		seq++
		m.ConversationID = conversationID
		m.Seq = seq
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		invocations, err := encodeInvocations(m.Invocations)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, role, content, tool_invocations, seq, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			conversationID, m.Role, nullableContent(m), invocations, m.Seq, m.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if m.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("message id: %w", err)
		}
	}

	mergedMeta, err := mergeMeta(rawMeta.String, meta)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ?, meta = ? WHERE id = ?`,
		now, mergedMeta, conversationID,
	); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	return nil
}

// List returns the user's conversations ordered by last activity, with the
// total count for pagination.
func (s *Store) List(ctx context.Context, userID int64, limit, offset int) ([]models.Conversation, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE user_id = ?`, userID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, meta, created_at, updated_at
		 FROM conversations WHERE user_id = ? ORDER BY updated_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, 0, err
		}
		conversations = append(conversations, *c)
	}
	return conversations, total, rows.Err()
}

// Messages returns the full ordered history of a conversation.
func (s *Store) Messages(ctx context.Context, conversationID int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, tool_invocations, seq, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Delete removes a conversation and all its messages for the user.
func (s *Store) Delete(ctx context.Context, userID, conversationID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ? AND user_id = ?`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

func deriveTitle(seed string) string {
	runes := []rune(seed)
	if len(runes) <= titleMaxLen {
		if len(runes) == 0 {
			return "New Conversation"
		}
		return seed
	}
	return string(runes[:titleMaxLen]) + "..."
}

func nullableContent(m *models.Message) sql.NullString {
	if m.Content == "" && m.Role == models.RoleTool {
		return sql.NullString{}
	}
	return sql.NullString{String: m.Content, Valid: true}
}

func encodeInvocations(invocations []models.ToolInvocation) (sql.NullString, error) {
	if len(invocations) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(invocations)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode tool invocations: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func mergeMeta(raw string, updates map[string]string) (string, error) {
	meta := map[string]string{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			meta = map[string]string{}
		}
	}
	for k, v := range updates {
		meta[k] = v
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode meta: %w", err)
	}
	return string(data), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var c models.Conversation
	var rawMeta sql.NullString
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &rawMeta, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	c.Meta = map[string]string{}
	if rawMeta.Valid && rawMeta.String != "" {
		_ = json.Unmarshal([]byte(rawMeta.String), &c.Meta)
	}
	return &c, nil
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	var content, invocations sql.NullString
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &content, &invocations, &m.Seq, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Content = content.String
	if invocations.Valid && invocations.String != "" {
		if err := json.Unmarshal([]byte(invocations.String), &m.Invocations); err != nil {
			return nil, fmt.Errorf("decode tool invocations: %w", err)
		}
	}
	return &m, nil
}
