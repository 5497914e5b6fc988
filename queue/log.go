// Package queue is the durable task queue: an append-only log on SQLite with
// named consumer groups, at-least-once delivery, and a worker pool that
// drives the execution engine.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/calliopehq/calliope/errors"
)

// DefaultRedeliverIdle is how long an unacked delivery sits before another
// consumer in the group may claim it.
const DefaultRedeliverIdle = 60 * time.Second

// pollInterval paces the bounded block in ReadGroup.
const pollInterval = 200 * time.Millisecond

// Entry is one delivered log entry.
type Entry struct {
	ID            int64
	TaskID        string
	Body          json.RawMessage
	DeliveryCount int
}

// Log is the durable append-only queue log. Entries are delivered to named
// consumer groups; a delivery stays pending until acknowledged, and pending
// deliveries idle past the redelivery interval are handed to another
// consumer. Claims go through atomic conditional writes, so two consumers
// racing on one entry cannot both win.
type Log struct {
	db            *sql.DB
	redeliverIdle time.Duration
	logger        *zap.SugaredLogger
}

// NewLog creates a queue log.
func NewLog(db *sql.DB, redeliverIdle time.Duration, logger *zap.SugaredLogger) *Log {
	if redeliverIdle <= 0 {
		redeliverIdle = DefaultRedeliverIdle
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Log{db: db, redeliverIdle: redeliverIdle, logger: logger}
}

// Append adds an entry to the log.
func (l *Log) Append(ctx context.Context, taskID string, body []byte) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO queue_entries (task_id, body, enqueued_at) VALUES (?, ?, ?)`,
		taskID, string(body), time.Now(),
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to append queue entry")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get entry id")
	}
	return id, nil
}

// ReadGroup blocks up to block and returns at most one entry claimed for the
// consumer within the group. Returns nil when nothing is available before
// the deadline or the context is done.
func (l *Log) ReadGroup(ctx context.Context, group, consumer string, block time.Duration) (*Entry, error) {
	deadline := time.Now().Add(block)
	for {
		entry, err := l.claimNext(ctx, group, consumer)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return entry, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(pollInterval):
		}
	}
}

// claimNext tries a stale redelivery first, then an undelivered entry.
func (l *Log) claimNext(ctx context.Context, group, consumer string) (*Entry, error) {
	entry, err := l.claimStale(ctx, group, consumer)
	if err != nil || entry != nil {
		return entry, err
	}
	return l.claimNew(ctx, group, consumer)
}

func (l *Log) claimStale(ctx context.Context, group, consumer string) (*Entry, error) {
	cutoff := time.Now().Add(-l.redeliverIdle)

	var entryID int64
	var deliveredAt time.Time
	err := l.db.QueryRowContext(ctx, `
		SELECT entry_id, delivered_at FROM queue_deliveries
		WHERE group_name = ? AND acked_at IS NULL AND delivered_at < ?
		ORDER BY delivered_at LIMIT 1`,
		group, cutoff,
	).Scan(&entryID, &deliveredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find stale delivery")
	}

	// Conditional on the observed delivered_at: of several consumers racing
	// on the same stale row, exactly one update takes effect.
	res, err := l.db.ExecContext(ctx, `
		UPDATE queue_deliveries
		SET consumer = ?, delivered_at = ?, delivery_count = delivery_count + 1
		WHERE group_name = ? AND entry_id = ? AND acked_at IS NULL AND delivered_at = ?`,
		consumer, time.Now(), group, entryID, deliveredAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim stale delivery")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rows affected")
	}
	if rows != 1 {
		// Another consumer won the race.
		return nil, nil
	}
	return l.loadEntry(ctx, group, entryID)
}

func (l *Log) claimNew(ctx context.Context, group, consumer string) (*Entry, error) {
	var entryID int64
	err := l.db.QueryRowContext(ctx, `
		SELECT e.id FROM queue_entries e
		LEFT JOIN queue_deliveries d ON d.group_name = ? AND d.entry_id = e.id
		WHERE d.entry_id IS NULL
		ORDER BY e.id LIMIT 1`,
		group,
	).Scan(&entryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find new entry")
	}

	// The (group, entry) primary key makes the insert the claim.
	res, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO queue_deliveries (group_name, entry_id, consumer, delivered_at)
		VALUES (?, ?, ?, ?)`,
		group, entryID, consumer, time.Now(),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim entry")
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get rows affected")
	}
	if rows != 1 {
		return nil, nil
	}
	return l.loadEntry(ctx, group, entryID)
}

func (l *Log) loadEntry(ctx context.Context, group string, entryID int64) (*Entry, error) {
	var e Entry
	var body string
	err := l.db.QueryRowContext(ctx, `
		SELECT e.id, e.task_id, e.body, d.delivery_count
		FROM queue_entries e
		JOIN queue_deliveries d ON d.group_name = ? AND d.entry_id = e.id
		WHERE e.id = ?`,
		group, entryID,
	).Scan(&e.ID, &e.TaskID, &body, &e.DeliveryCount)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load entry %d", entryID)
	}
	e.Body = json.RawMessage(body)
	return &e, nil
}

// Ack acknowledges a delivery for the group. Acknowledged entries are never
// redelivered.
func (l *Log) Ack(ctx context.Context, group string, entryID int64) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE queue_deliveries SET acked_at = ?
		WHERE group_name = ? AND entry_id = ? AND acked_at IS NULL`,
		time.Now(), group, entryID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to ack entry %d", entryID)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		l.logger.Debugw("Entry already acknowledged", "group", group, "entry_id", entryID)
	}
	return nil
}

// PendingCount returns the number of unacknowledged deliveries for a group.
func (l *Log) PendingCount(ctx context.Context, group string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_deliveries
		WHERE group_name = ? AND acked_at IS NULL`, group,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count pending deliveries")
	}
	return n, nil
}
