package txn

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftdb/weft/internal/kv"
	"github.com/weftdb/weft/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fastOpts() Options {
	return Options{MaxRetries: 3, BackoffBase: time.Millisecond}
}

func TestRunCommits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Set(ctx, kv.Key{"balance"}, float64(100), kv.SetOptions{})
	require.NoError(t, err)

	res, err := Run(ctx, s, fastOpts(), func(tx *Tx) (any, error) {
		entry, err := tx.Get(ctx, kv.Key{"balance"})
		if err != nil {
			return nil, err
		}
		n, err := entry.Value.(json.Number).Int64()
		if err != nil {
			return nil, err
		}
		if err := tx.Set(kv.Key{"balance"}, float64(n-30)); err != nil {
			return nil, err
		}
		return n, nil
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.NotEmpty(t, res.Versionstamp)
	assert.Equal(t, int64(100), res.Value)

	entry, err := s.Get(ctx, kv.Key{"balance"})
	require.NoError(t, err)
	num, err := entry.Value.(json.Number).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(70), num)
	assert.Equal(t, res.Versionstamp, entry.Versionstamp)
}

func TestReadsAreCachedWithinAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Set(ctx, kv.Key{"k"}, "v1", kv.SetOptions{})
	require.NoError(t, err)

	tx := NewTx(s)
	first, err := tx.Get(ctx, kv.Key{"k"})
	require.NoError(t, err)

	// The store moves on underneath; the snapshot does not.
	_, err = s.Set(ctx, kv.Key{"k"}, "v2", kv.SetOptions{})
	require.NoError(t, err)

	second, err := tx.Get(ctx, kv.Key{"k"})
	require.NoError(t, err)
	assert.Equal(t, first.Versionstamp, second.Versionstamp)
	assert.Equal(t, "v1", second.Value)
}

func TestReadYourWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx := NewTx(s)
	require.NoError(t, tx.Set(kv.Key{"k"}, "buffered"))
	entry, err := tx.Get(ctx, kv.Key{"k"})
	require.NoError(t, err)
	assert.Equal(t, "buffered", entry.Value)

	require.NoError(t, tx.Delete(kv.Key{"k"}))
	entry, err = tx.Get(ctx, kv.Key{"k"})
	require.NoError(t, err)
	assert.False(t, entry.Exists())
}

func TestCommitConflictIsCleanFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Set(ctx, kv.Key{"k"}, "v1", kv.SetOptions{})
	require.NoError(t, err)

	tx := NewTx(s)
	_, err = tx.Get(ctx, kv.Key{"k"})
	require.NoError(t, err)
	require.NoError(t, tx.Set(kv.Key{"k"}, "mine"))
	require.NoError(t, tx.Set(kv.Key{"other"}, "side"))

	// Another writer wins the race.
	_, err = s.Set(ctx, kv.Key{"k"}, "theirs", kv.SetOptions{})
	require.NoError(t, err)

	res, err := tx.Commit(ctx)
	require.NoError(t, err)
	assert.False(t, res.OK)

	entry, err := s.Get(ctx, kv.Key{"k"})
	require.NoError(t, err)
	assert.Equal(t, "theirs", entry.Value)
	other, err := s.Get(ctx, kv.Key{"other"})
	require.NoError(t, err)
	assert.False(t, other.Exists())
}

func TestCommitChecksAbsentReads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx := NewTx(s)
	entry, err := tx.Get(ctx, kv.Key{"missing"})
	require.NoError(t, err)
	require.False(t, entry.Exists())
	require.NoError(t, tx.Set(kv.Key{"missing"}, "claimed"))

	// The key appearing in the meantime conflicts with the null read.
	_, err = s.Set(ctx, kv.Key{"missing"}, "raced", kv.SetOptions{})
	require.NoError(t, err)

	res, err := tx.Commit(ctx)
	require.NoError(t, err)
	assert.False(t, res.OK)
}

func TestRunRetriesConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Set(ctx, kv.Key{"n"}, float64(0), kv.SetOptions{})
	require.NoError(t, err)

	attempts := 0
	res, err := Run(ctx, s, fastOpts(), func(tx *Tx) (any, error) {
		attempts++
		if _, err := tx.Get(ctx, kv.Key{"n"}); err != nil {
			return nil, err
		}
		if attempts == 1 {
			// Invalidate our own read set before the first commit.
			if _, err := s.Set(ctx, kv.Key{"n"}, float64(99), kv.SetOptions{}); err != nil {
				return nil, err
			}
		}
		return nil, tx.Set(kv.Key{"n"}, float64(1))
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 2, attempts)
}

func TestRunExhaustsRetries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Set(ctx, kv.Key{"n"}, float64(0), kv.SetOptions{})
	require.NoError(t, err)

	_, err = Run(ctx, s, Options{MaxRetries: 1, BackoffBase: time.Millisecond}, func(tx *Tx) (any, error) {
		if _, err := tx.Get(ctx, kv.Key{"n"}); err != nil {
			return nil, err
		}
		// Every attempt loses the race.
		if _, err := s.Set(ctx, kv.Key{"n"}, "spoiler", kv.SetOptions{}); err != nil {
			return nil, err
		}
		return nil, tx.Set(kv.Key{"n"}, "mine")
	})
	assert.ErrorIs(t, err, kv.ErrConflict)
}

func TestRunClosureErrorDoesNotRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	attempts := 0
	_, err := Run(ctx, s, fastOpts(), func(tx *Tx) (any, error) {
		attempts++
		if err := tx.Set(kv.Key{"k"}, "never"); err != nil {
			return nil, err
		}
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)

	entry, err := s.Get(ctx, kv.Key{"k"})
	require.NoError(t, err)
	assert.False(t, entry.Exists(), "aborted closures must not write")
}

func TestClosedTxRejectsEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx := NewTx(s)
	require.NoError(t, tx.Set(kv.Key{"k"}, "v"))
	_, err := tx.Commit(ctx)
	require.NoError(t, err)

	_, err = tx.Get(ctx, kv.Key{"k"})
	assert.ErrorIs(t, err, kv.ErrTxClosed)
	assert.ErrorIs(t, tx.Set(kv.Key{"k"}, "again"), kv.ErrTxClosed)
	assert.ErrorIs(t, tx.Delete(kv.Key{"k"}), kv.ErrTxClosed)
	assert.ErrorIs(t, tx.Sum(kv.Key{"k"}, big.NewInt(1)), kv.ErrTxClosed)
	_, err = tx.Commit(ctx)
	assert.ErrorIs(t, err, kv.ErrTxClosed)
}

func TestTxSum(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := Run(ctx, s, fastOpts(), func(tx *Tx) (any, error) {
		return nil, tx.Sum(kv.Key{"counter"}, big.NewInt(7))
	})
	require.NoError(t, err)
	require.True(t, res.OK)

	entry, err := s.Get(ctx, kv.Key{"counter"})
	require.NoError(t, err)
	n, err := entry.Value.(json.Number).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}
