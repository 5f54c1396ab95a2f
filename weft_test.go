package weft

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftdb/weft/internal/storage"
	"github.com/weftdb/weft/internal/txn"
)

func TestOpenAndRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	res, err := store.Set(ctx, Key{"greeting"}, "hello", SetOptions{})
	require.NoError(t, err)
	require.True(t, res.OK)

	entry, err := store.Get(ctx, Key{"greeting"})
	require.NoError(t, err)
	assert.Equal(t, "hello", entry.Value)
	assert.Equal(t, res.Versionstamp, entry.Versionstamp)
}

func TestRunTx(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Set(ctx, Key{"balance"}, 100, SetOptions{})
	require.NoError(t, err)

	res, err := RunTx(ctx, store, func(tx *txn.Tx) (any, error) {
		entry, err := tx.Get(ctx, Key{"balance"})
		if err != nil {
			return nil, err
		}
		n, err := entry.Value.(json.Number).Int64()
		if err != nil {
			return nil, err
		}
		if err := tx.Set(Key{"balance"}, n-30); err != nil {
			return nil, err
		}
		return n, nil
	})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, int64(100), res.Value)

	entry, err := store.Get(ctx, Key{"balance"})
	require.NoError(t, err)
	n, err := entry.Value.(json.Number).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(70), n)
}

func TestRunTxRetriesConflict(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Set(ctx, Key{"seats"}, 10, SetOptions{})
	require.NoError(t, err)

	attempts := 0
	res, err := RunTx(ctx, store, func(tx *txn.Tx) (any, error) {
		attempts++
		entry, err := tx.Get(ctx, Key{"seats"})
		if err != nil {
			return nil, err
		}
		if attempts == 1 {
			// A competing writer lands between read and commit.
			if _, err := store.Set(ctx, Key{"seats"}, 9, SetOptions{}); err != nil {
				return nil, err
			}
		}
		n, err := entry.Value.(json.Number).Int64()
		if err != nil {
			return nil, err
		}
		return nil, tx.Set(Key{"seats"}, n-1)
	})
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, 2, attempts)

	entry, err := store.Get(ctx, Key{"seats"})
	require.NoError(t, err)
	n, err := entry.Value.(json.Number).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
}

func TestListen(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	for i := 0; i < 3; i++ {
		_, err := store.Enqueue(ctx, map[string]any{"n": i}, storage.QueueOptions{})
		require.NoError(t, err)
	}

	l := Listen(ctx, store, func(ctx context.Context, msg QueueMessage) error {
		return nil
	}, ListenOptions{Concurrency: 2, PollInterval: 10 * time.Millisecond})
	defer l.Stop()

	require.Eventually(t, func() bool {
		return l.Handled() == 3
	}, 5*time.Second, 10*time.Millisecond)
	l.Stop()

	st, err := store.QueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
	assert.Zero(t, st.Processing)
}
