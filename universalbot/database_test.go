package universalbot

import (
	"context"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"path/filepath"
	"sync"
	"testing"
)

func TestKVStore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	type doc struct {
		Name  string   `json:"name"`
		Items []string `json:"items"`
	}

	var got doc
	found, err := store.Get(ctx, "guild_1.doc", &got)
	require.NoError(t, err)
	assert.False(t, found)

	want := doc{Name: "first", Items: []string{"a", "b"}}
	require.NoError(t, store.Set(ctx, "guild_1.doc", want))

	found, err = store.Get(ctx, "guild_1.doc", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)

	// last write wins
	want = doc{Name: "second"}
	require.NoError(t, store.Set(ctx, "guild_1.doc", want))
	got = doc{}
	found, err = store.Get(ctx, "guild_1.doc", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)

	// nil dest only checks existence
	found, err = store.Get(ctx, "guild_1.doc", nil)
	require.NoError(t, err)
	assert.True(t, found)

	deleted, err := store.Delete(ctx, "guild_1.doc")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.Delete(ctx, "guild_1.doc")
	require.NoError(t, err)
	assert.False(t, deleted)

	found, err = store.Get(ctx, "guild_1.doc", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestKVStore_DecodeError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Set(ctx, "k", "a string"))
	var dest struct{ Enabled bool }
	found, err := store.Get(ctx, "k", &dest)
	assert.True(t, found)
	assert.Error(t, err)
}

func TestKVStore_ConcurrentSet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	wg := sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.Set(ctx, fmt.Sprintf("key_%d", i%5), i))
		}(i)
	}
	wg.Wait()

	var count int64
	require.NoError(t, store.DB().Model(&KVEntry{}).Count(&count).Error)
	assert.Equal(t, int64(5), count)
}

func TestCreateDB_InvalidType(t *testing.T) {
	_, err := CreateDB(
		context.Background(),
		"mysql",
		filepath.Join(t.TempDir(), "db.sqlite3"),
	)
	assert.Error(t, err)
}

func TestAuditLog(t *testing.T) {
	ctx := context.Background()
	db := newTestStore(t)
	limit := 3

	for i := 0; i < 5; i++ {
		require.NoError(
			t,
			recordAuditLog(
				ctx, db, limit, &AuditLog{
					GuildID: "1",
					Type:    AuditLogConfig,
					UserID:  "2",
					Message: fmt.Sprintf("change %d", i),
				},
			),
		)
	}
	require.NoError(
		t,
		recordAuditLog(
			ctx, db, limit,
			&AuditLog{GuildID: "other", Type: AuditLogTest, Message: "test"},
		),
	)

	logs, err := listAuditLogs(ctx, db.DB(), "1", 10)
	require.NoError(t, err)
	require.Len(t, logs, limit)
	assert.Equal(t, "change 4", logs[0].Message)
	assert.Equal(t, "change 2", logs[2].Message)
	assert.NotZero(t, logs[0].CreatedAt)

	logs, err = listAuditLogs(ctx, db.DB(), "1", 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "change 4", logs[0].Message)

	// other guilds aren't pruned
	logs, err = listAuditLogs(ctx, db.DB(), "other", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, AuditLogTest, logs[0].Type)
}
