package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrStaleMarks indicates a mark selected for deactivation was no longer active.
	ErrStaleMarks = errors.New("storage: marks changed during evaluation")
)

// The rate_marks table is owned by the account service:
//
//	id          serial primary key
//	user_id     integer references users(id)
//	target_rate double precision not null
//	condition   varchar ('above' | 'below')
//	is_active   boolean default true
//
// Non-finite target rates are not comparable with a decimal rate, so both
// queries leave those rows out.
const (
	findTriggeredSQL = `SELECT
        id,
        user_id,
        target_rate::text,
        condition
    FROM rate_marks
    WHERE is_active = TRUE
      AND CASE
            WHEN target_rate IN ('NaN'::float8, 'Infinity'::float8, '-Infinity'::float8) THEN FALSE
            WHEN condition = 'above' THEN $1::numeric >= target_rate::numeric
            WHEN condition = 'below' THEN $1::numeric <= target_rate::numeric
            ELSE FALSE
          END
    ORDER BY id
    FOR UPDATE;`

	deactivateMarksSQL = `UPDATE rate_marks
    SET is_active = FALSE
    WHERE id = ANY($1)
      AND is_active = TRUE;`

	listMarksSQL = `SELECT
        id,
        user_id,
        target_rate::text,
        condition,
        is_active
    FROM rate_marks
    WHERE ($1::boolean = FALSE OR is_active = TRUE)
      AND ($2::bigint = 0 OR user_id = $2)
      AND target_rate NOT IN ('NaN'::float8, 'Infinity'::float8, '-Infinity'::float8)
    ORDER BY id
    LIMIT $3;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// MarkTx is the transactional view of the mark collection used by one evaluation.
type MarkTx interface {
	// FindTriggered returns the active marks satisfied by rate and locks them until commit.
	FindTriggered(ctx context.Context, rate decimal.Decimal) ([]Mark, error)
	// Deactivate clears is_active for every id or fails with ErrStaleMarks.
	Deactivate(ctx context.Context, ids []int64) error
}

// MarkStore runs evaluations atomically. A non-nil error from fn rolls every change back.
type MarkStore interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx MarkTx) error) error
}

// MarkLister lists marks for operators.
type MarkLister interface {
	ListMarks(ctx context.Context, filter MarkFilter) ([]Mark, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is the PostgreSQL mark store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// WithinTx runs fn in a READ COMMITTED transaction. Row locks taken by FindTriggered make
// concurrent evaluators wait and then re-check is_active, so a mark is deactivated once.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx MarkTx) error) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	err = pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &pgMarkTx{tx: tx})
	})
	if err != nil {
		return fmt.Errorf("mark transaction: %w", err)
	}
	return nil
}

type pgMarkTx struct {
	tx pgx.Tx
}

func (t *pgMarkTx) FindTriggered(ctx context.Context, rate decimal.Decimal) ([]Mark, error) {
	rows, err := t.tx.Query(ctx, findTriggeredSQL, rate.String())
	if err != nil {
		return nil, fmt.Errorf("find triggered marks: %w", err)
	}
	defer rows.Close()

	marks := make([]Mark, 0)
	for rows.Next() {
		var (
			mark      Mark
			targetStr string
			condStr   string
		)
		if err := rows.Scan(&mark.ID, &mark.OwnerID, &targetStr, &condStr); err != nil {
			return nil, fmt.Errorf("scan triggered mark: %w", err)
		}
		if mark.TargetRate, err = decimal.NewFromString(targetStr); err != nil {
			return nil, fmt.Errorf("parse target rate of mark %d: %w", mark.ID, err)
		}
		if mark.Condition, err = ParseCondition(condStr); err != nil {
			return nil, fmt.Errorf("mark %d: %w", mark.ID, err)
		}
		mark.IsActive = true
		marks = append(marks, mark)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return marks, nil
}

func (t *pgMarkTx) Deactivate(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tag, err := t.tx.Exec(ctx, deactivateMarksSQL, ids)
	if err != nil {
		return fmt.Errorf("deactivate marks: %w", err)
	}
	if tag.RowsAffected() != int64(len(ids)) {
		return fmt.Errorf("%w: deactivated %d of %d", ErrStaleMarks, tag.RowsAffected(), len(ids))
	}
	return nil
}

// ListMarks lists marks ordered by id.
func (s *Store) ListMarks(ctx context.Context, filter MarkFilter) ([]Mark, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, queryErr := pool.Query(ctx, listMarksSQL, filter.ActiveOnly, filter.OwnerID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list marks: %w", queryErr)
	}
	defer rows.Close()

	marks := make([]Mark, 0, limit)
	for rows.Next() {
		var (
			mark      Mark
			targetStr string
			condStr   string
		)
		if err := rows.Scan(&mark.ID, &mark.OwnerID, &targetStr, &condStr, &mark.IsActive); err != nil {
			return nil, err
		}
		if mark.TargetRate, err = decimal.NewFromString(targetStr); err != nil {
			return nil, fmt.Errorf("parse target rate of mark %d: %w", mark.ID, err)
		}
		// unknown spellings are shown verbatim rather than failing the listing
		mark.Condition = Condition(strings.ToLower(condStr))
		marks = append(marks, mark)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return marks, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// the session lock dies with the connection
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

var (
	_ MarkStore      = (*Store)(nil)
	_ MarkLister     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
