package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ratewatch/internal/config"
)

const createTempMarksSQL = `CREATE TEMP TABLE rate_marks (
    id          serial primary key,
    user_id     integer not null,
    target_rate double precision not null,
    condition   varchar(10) not null,
    is_active   boolean default true
);`

// openTestStore connects to RATEWATCH_TEST_DATABASE_DSN with a single pooled
// connection so the temporary rate_marks table shadows any real one.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("RATEWATCH_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("RATEWATCH_TEST_DATABASE_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, createTempMarksSQL)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO rate_marks (user_id, target_rate, condition) VALUES
        (10, 80, 'above'), (11, 90, 'below'), (12, 85, 'above'), (13, 75.0, 'above')`)
	require.NoError(t, err)

	return NewStore(pool)
}

func TestStoreDeactivatesTriggeredMarks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var found []Mark
	err := store.WithinTx(ctx, func(ctx context.Context, tx MarkTx) error {
		var err error
		if found, err = tx.FindTriggered(ctx, dec("83.5")); err != nil {
			return err
		}
		ids := make([]int64, 0, len(found))
		for _, m := range found {
			ids = append(ids, m.ID)
		}
		return tx.Deactivate(ctx, ids)
	})
	require.NoError(t, err)

	require.Len(t, found, 3)
	require.Equal(t, []int64{10, 11, 13}, []int64{found[0].OwnerID, found[1].OwnerID, found[2].OwnerID})
	require.Equal(t, Below, found[1].Condition)

	active, err := store.ListMarks(ctx, MarkFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, int64(12), active[0].OwnerID)
	require.True(t, active[0].TargetRate.Equal(dec("85")))
}

func TestStoreRollsBackOnError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("commit refused")

	err := store.WithinTx(ctx, func(ctx context.Context, tx MarkTx) error {
		marks, err := tx.FindTriggered(ctx, dec("75.0"))
		require.NoError(t, err)
		require.Len(t, marks, 1)
		require.NoError(t, tx.Deactivate(ctx, []int64{marks[0].ID}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	active, err := store.ListMarks(ctx, MarkFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 4)
}

func TestStoreRejectsStaleDeactivation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.WithinTx(ctx, func(ctx context.Context, tx MarkTx) error {
		return tx.Deactivate(ctx, []int64{1, 999})
	})
	require.ErrorIs(t, err, ErrStaleMarks)

	active, err := store.ListMarks(ctx, MarkFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 4)
}

func TestStoreSkipsNonFiniteTargets(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.pool.Exec(ctx, `INSERT INTO rate_marks (user_id, target_rate, condition) VALUES
        (14, 'NaN', 'below'), (15, 'Infinity', 'below'), (16, '-Infinity', 'above')`)
	require.NoError(t, err)

	var found []Mark
	err = store.WithinTx(ctx, func(ctx context.Context, tx MarkTx) error {
		var err error
		found, err = tx.FindTriggered(ctx, dec("83.5"))
		return err
	})
	require.NoError(t, err)
	require.Len(t, found, 3)
	for _, m := range found {
		require.Less(t, m.OwnerID, int64(14))
	}

	listed, err := store.ListMarks(ctx, MarkFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, listed, 4)
}

func TestStoreWithoutPool(t *testing.T) {
	var store *Store
	err := store.WithinTx(context.Background(), func(context.Context, MarkTx) error { return nil })
	require.ErrorIs(t, err, ErrNotConfigured)
}
