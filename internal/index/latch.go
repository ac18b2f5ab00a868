package index

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/dreamware/subdb/internal/cluster"
	"github.com/dreamware/subdb/internal/dberr"
)

// latches serializes mutating calls per outer key. A caller of acquire that
// finds the key migrating fails with dberr.ErrBusy instead of queueing;
// wait queues behind the migration.
type latches struct {
	mu sync.Mutex
	m  map[cluster.OuterKey]*latch
}

type latch struct {
	token     chan struct{}
	refs      int
	migrating bool
}

// held is an acquired latch. Release it exactly once.
type held struct {
	set *latches
	key cluster.OuterKey
	l   *latch
}

func newLatches() *latches {
	return &latches{m: make(map[cluster.OuterKey]*latch)}
}

// latchFunc takes the latch for key.
type latchFunc func(ctx context.Context, key cluster.OuterKey) (*held, error)

func (s *latches) acquire(ctx context.Context, key cluster.OuterKey) (*held, error) {
	return s.lock(ctx, key, true)
}

// wait takes the latch for key, queueing behind a migration in progress.
// The index uses it for its own writes, which must not be dropped.
func (s *latches) wait(ctx context.Context, key cluster.OuterKey) (*held, error) {
	return s.lock(ctx, key, false)
}

func (s *latches) lock(ctx context.Context, key cluster.OuterKey, failBusy bool) (*held, error) {
	s.mu.Lock()
	l, ok := s.m[key]
	if !ok {
		l = &latch{token: make(chan struct{}, 1)}
		s.m[key] = l
	}
	if failBusy && l.migrating {
		s.mu.Unlock()
		return nil, errors.Wrapf(dberr.ErrBusy, "outer key %d is migrating", key)
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.token <- struct{}{}:
		return &held{set: s, key: key, l: l}, nil
	case <-ctx.Done():
		s.drop(key, l)
		return nil, ctx.Err()
	}
}

func (s *latches) drop(key cluster.OuterKey, l *latch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.m, key)
	}
}

func (h *held) setMigrating(on bool) {
	h.set.mu.Lock()
	h.l.migrating = on
	h.set.mu.Unlock()
}

func (h *held) release() {
	<-h.l.token
	h.set.drop(h.key, h.l)
}
