package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrCommitFailed is returned by MemoryStore when a commit failure was injected.
var ErrCommitFailed = errors.New("storage: injected commit failure")

// MemoryStore is an in-process MarkStore. Transactions are serialized and work on a
// snapshot that replaces the live set only on commit.
type MemoryStore struct {
	mu          sync.Mutex
	marks       map[int64]Mark
	failCommits int
	commits     int
	rollbacks   int
}

// NewMemoryStore seeds a store with marks.
func NewMemoryStore(marks ...Mark) *MemoryStore {
	s := &MemoryStore{marks: make(map[int64]Mark, len(marks))}
	for _, m := range marks {
		s.marks[m.ID] = m
	}
	return s
}

// Put inserts or replaces a mark.
func (s *MemoryStore) Put(m Mark) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[m.ID] = m
}

// Get returns the mark with id.
func (s *MemoryStore) Get(id int64) (Mark, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.marks[id]
	return m, ok
}

// FailNextCommits makes the next n transactions fail at commit time.
func (s *MemoryStore) FailNextCommits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommits = n
}

// Stats returns committed and rolled back transaction counts.
func (s *MemoryStore) Stats() (commits, rollbacks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits, s.rollbacks
}

// WithinTx implements MarkStore.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx MarkTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := make(map[int64]Mark, len(s.marks))
	for id, m := range s.marks {
		snapshot[id] = m
	}

	if err := fn(ctx, &memoryTx{marks: snapshot}); err != nil {
		s.rollbacks++
		return fmt.Errorf("mark transaction: %w", err)
	}
	if s.failCommits > 0 {
		s.failCommits--
		s.rollbacks++
		return fmt.Errorf("mark transaction: %w", ErrCommitFailed)
	}

	s.marks = snapshot
	s.commits++
	return nil
}

// ListMarks implements MarkLister.
func (s *MemoryStore) ListMarks(ctx context.Context, filter MarkFilter) ([]Mark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Mark, 0, len(s.marks))
	for _, m := range s.marks {
		if filter.ActiveOnly && !m.IsActive {
			continue
		}
		if filter.OwnerID != 0 && m.OwnerID != filter.OwnerID {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

type memoryTx struct {
	marks map[int64]Mark
}

func (t *memoryTx) FindTriggered(ctx context.Context, rate decimal.Decimal) ([]Mark, error) {
	out := make([]Mark, 0)
	for _, m := range t.marks {
		if m.TriggeredBy(rate) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) Deactivate(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		m, ok := t.marks[id]
		if !ok || !m.IsActive {
			return fmt.Errorf("%w: mark %d", ErrStaleMarks, id)
		}
		m.IsActive = false
		t.marks[id] = m
	}
	return nil
}

var (
	_ MarkStore  = (*MemoryStore)(nil)
	_ MarkLister = (*MemoryStore)(nil)
)
