// Package convo stores per-conversation message history for multi-turn
// executions. The primary store is the shared SQLite database with a
// per-conversation TTL; a bounded in-process LRU absorbs reads and writes
// when the primary errors, so a database hiccup degrades history instead of
// failing the execution. The fallback does not survive a restart.
package convo

import (
	"context"
	"database/sql"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/calliopehq/calliope/errors"
)

// Message is one conversation turn.
type Message struct {
	Role    string
	Content string
}

// Store is the two-tier conversation store.
type Store struct {
	db       *sql.DB
	fallback *lru.Cache[string, []Message]
	ttl      time.Duration
	logger   *zap.SugaredLogger
}

// New creates a conversation store. ttl governs how long an idle
// conversation survives; every append refreshes it.
func New(db *sql.DB, ttl time.Duration, fallbackCapacity int, logger *zap.SugaredLogger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if fallbackCapacity <= 0 {
		fallbackCapacity = 256
	}
	cache, err := lru.New[string, []Message](fallbackCapacity)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fallback cache")
	}
	return &Store{db: db, fallback: cache, ttl: ttl, logger: logger}, nil
}

// Append records a turn and refreshes the conversation's TTL. A primary
// store failure is absorbed by the in-process fallback and logged; Append
// only errors when both tiers reject the write.
func (s *Store) Append(ctx context.Context, convoID, role, content string) error {
	if convoID == "" {
		return errors.New("conversation id is required")
	}
	if err := s.appendPrimary(ctx, convoID, role, content); err != nil {
		s.logger.Warnw("Conversation store unavailable, using in-process fallback",
			"convo_id", convoID,
			"error", err)
		s.appendFallback(convoID, Message{Role: role, Content: content})
	}
	return nil
}

func (s *Store) appendPrimary(ctx context.Context, convoID, role, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (convo_id, expires_at) VALUES (?, ?)
		ON CONFLICT(convo_id) DO UPDATE SET expires_at = excluded.expires_at`,
		convoID, now.Add(s.ttl),
	)
	if err != nil {
		return errors.Wrap(err, "failed to refresh conversation")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_messages (convo_id, role, content, created_at)
		VALUES (?, ?, ?, ?)`,
		convoID, role, content, now,
	)
	if err != nil {
		return errors.Wrap(err, "failed to append message")
	}
	return tx.Commit()
}

func (s *Store) appendFallback(convoID string, msg Message) {
	history, _ := s.fallback.Get(convoID)
	history = append(history, msg)
	s.fallback.Add(convoID, history)
}

// Read returns the most recent limit turns in append order. An expired or
// unknown conversation reads as empty. limit <= 0 means no bound. The
// returned slice is a snapshot; later appends do not mutate it.
func (s *Store) Read(ctx context.Context, convoID string, limit int) ([]Message, error) {
	msgs, err := s.readPrimary(ctx, convoID, limit)
	if err != nil {
		s.logger.Warnw("Conversation read failed, using in-process fallback",
			"convo_id", convoID,
			"error", err)
		return s.readFallback(convoID, limit), nil
	}
	return msgs, nil
}

func (s *Store) readPrimary(ctx context.Context, convoID string, limit int) ([]Message, error) {
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM conversations WHERE convo_id = ?`, convoID,
	).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load conversation")
	}
	if time.Now().After(expiresAt) {
		// Lazy purge. Failure here is harmless; the next reader retries.
		if purgeErr := s.purge(ctx, convoID); purgeErr != nil {
			s.logger.Warnw("Failed to purge expired conversation",
				"convo_id", convoID,
				"error", purgeErr)
		}
		return nil, nil
	}

	// Newest limit rows, then reverse into append order.
	query := `SELECT role, content FROM conversation_messages
		WHERE convo_id = ? ORDER BY id DESC`
	args := []any{convoID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read messages")
	}
	defer rows.Close()

	var reversed []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		reversed = append(reversed, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating messages")
	}

	msgs := make([]Message, len(reversed))
	for i, m := range reversed {
		msgs[len(reversed)-1-i] = m
	}
	return msgs, nil
}

func (s *Store) readFallback(convoID string, limit int) []Message {
	history, ok := s.fallback.Get(convoID)
	if !ok {
		return nil
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	snapshot := make([]Message, len(history))
	copy(snapshot, history)
	return snapshot
}

func (s *Store) purge(ctx context.Context, convoID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_messages WHERE convo_id = ?`, convoID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE convo_id = ?`, convoID); err != nil {
		return err
	}
	return tx.Commit()
}

// PurgeExpired removes all expired conversations. Called periodically by the
// worker as housekeeping.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_messages WHERE convo_id IN
			(SELECT convo_id FROM conversations WHERE expires_at < ?)`, now)
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge expired messages")
	}
	purged, _ := res.RowsAffected()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE expires_at < ?`, now); err != nil {
		return 0, errors.Wrap(err, "failed to purge expired conversations")
	}
	return purged, nil
}
