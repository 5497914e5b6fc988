package convo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	calliopetest "github.com/calliopehq/calliope/internal/testing"
)

func TestStore_AppendRead(t *testing.T) {
	db := calliopetest.CreateMigratedTestDB(t)
	s, err := New(db, time.Hour, 16, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "c1", "user", "hello"))
	require.NoError(t, s.Append(ctx, "c1", "assistant", "hi there"))
	require.NoError(t, s.Append(ctx, "c2", "user", "other conversation"))

	msgs, err := s.Read(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, Message{Role: "user", Content: "hello"}, msgs[0])
	assert.Equal(t, Message{Role: "assistant", Content: "hi there"}, msgs[1])

	msgs, err = s.Read(ctx, "c2", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "other conversation", msgs[0].Content)
}

func TestStore_ReadWindow(t *testing.T) {
	db := calliopetest.CreateMigratedTestDB(t)
	s, err := New(db, time.Hour, 16, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Append(ctx, "c1", "user", fmt.Sprintf("turn %d", i)))
	}

	msgs, err := s.Read(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "turn 4", msgs[0].Content)
	assert.Equal(t, "turn 5", msgs[1].Content)
}

func TestStore_UnknownConversationIsEmpty(t *testing.T) {
	db := calliopetest.CreateMigratedTestDB(t)
	s, err := New(db, time.Hour, 16, nil)
	require.NoError(t, err)

	msgs, err := s.Read(context.Background(), "nope", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStore_ExpiredConversationIsPurged(t *testing.T) {
	db := calliopetest.CreateMigratedTestDB(t)
	s, err := New(db, time.Hour, 16, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "c1", "user", "old turn"))

	// Force expiry without waiting.
	_, err = db.ExecContext(ctx,
		`UPDATE conversations SET expires_at = ? WHERE convo_id = ?`,
		time.Now().Add(-time.Minute), "c1")
	require.NoError(t, err)

	msgs, err := s.Read(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	var remaining int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_messages WHERE convo_id = ?`, "c1",
	).Scan(&remaining))
	assert.Zero(t, remaining, "expired messages should be purged on read")
}

func TestStore_AppendRefreshesTTL(t *testing.T) {
	db := calliopetest.CreateMigratedTestDB(t)
	s, err := New(db, time.Hour, 16, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "c1", "user", "first"))
	var first time.Time
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT expires_at FROM conversations WHERE convo_id = ?`, "c1").Scan(&first))

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Append(ctx, "c1", "assistant", "second"))
	var second time.Time
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT expires_at FROM conversations WHERE convo_id = ?`, "c1").Scan(&second))

	assert.True(t, second.After(first), "append should push expiry forward")
}

func TestStore_FallbackAbsorbsPrimaryFailure(t *testing.T) {
	db := calliopetest.CreateMigratedTestDB(t)
	s, err := New(db, time.Hour, 16, nil)
	require.NoError(t, err)
	ctx := context.Background()

	// Closing the database makes every primary operation fail.
	require.NoError(t, db.Close())

	require.NoError(t, s.Append(ctx, "c1", "user", "hello"))
	require.NoError(t, s.Append(ctx, "c1", "assistant", "hi"))

	msgs, err := s.Read(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)

	msgs, err = s.Read(ctx, "c1", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
}

func TestStore_ReadSnapshotIsStable(t *testing.T) {
	db := calliopetest.CreateMigratedTestDB(t)
	s, err := New(db, time.Hour, 16, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "c1", "user", "one"))
	snapshot, err := s.Read(ctx, "c1", 0)
	require.NoError(t, err)

	require.NoError(t, s.Append(ctx, "c1", "user", "two"))
	assert.Len(t, snapshot, 1, "snapshot must not grow after later appends")
}

func TestStore_PurgeExpired(t *testing.T) {
	db := calliopetest.CreateMigratedTestDB(t)
	s, err := New(db, time.Hour, 16, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "stale", "user", "a"))
	require.NoError(t, s.Append(ctx, "stale", "user", "b"))
	require.NoError(t, s.Append(ctx, "fresh", "user", "c"))

	_, err = db.ExecContext(ctx,
		`UPDATE conversations SET expires_at = ? WHERE convo_id = ?`,
		time.Now().Add(-time.Minute), "stale")
	require.NoError(t, err)

	purged, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	msgs, err := s.Read(ctx, "fresh", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}
