package document

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/dicttr/pkg/align"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-process [Store]. Documents are deep-copied on the way in
// and out so callers never share memory with the store.
type MemStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
	now  func() time.Time
}

// MemOption configures a [MemStore].
type MemOption func(*MemStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemOption {
	return func(s *MemStore) {
		s.now = now
	}
}

// NewMemStore returns an empty [MemStore].
func NewMemStore(opts ...MemOption) *MemStore {
	s := &MemStore{docs: make(map[string]*Document), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create implements [Store].
func (s *MemStore) Create(ctx context.Context, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := doc.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := s.now().UTC()
	stored.Version = 1
	stored.CreatedAt, stored.UpdatedAt = now, now
	stored.Meta.Stats = align.Summarize(stored.Blocks)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[stored.ID]; ok {
		return ErrExists
	}
	s.docs[stored.ID] = stored

	doc.ID, doc.Version = stored.ID, stored.Version
	doc.CreatedAt, doc.UpdatedAt = now, now
	doc.Meta.Stats = stored.Meta.Stats
	return nil
}

// Get implements [Store].
func (s *MemStore) Get(ctx context.Context, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

// List implements [Store].
func (s *MemStore) List(ctx context.Context, opts ListOptions) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Summary, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d.Summarize())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Summary) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	start := min(max(opts.Offset, 0), len(out))
	end := min(start+opts.limit(), len(out))
	return out[start:end], nil
}

// UpdateBlocks implements [Store].
func (s *MemStore) UpdateBlocks(ctx context.Context, id string, expectedVersion int, blocks []align.AnnotatedBlock) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if d.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	d.Blocks = CloneBlocks(blocks)
	d.Meta.Stats = align.Summarize(d.Blocks)
	d.Version++
	d.UpdatedAt = s.now().UTC()
	return d.Clone(), nil
}

// Delete implements [Store].
func (s *MemStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return ErrNotFound
	}
	delete(s.docs, id)
	return nil
}
