package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lunchd/internal/calendar"
	"lunchd/internal/storage"
)

// StateStore persists the last fired period per kind.
type StateStore interface {
	GetDispatchState(ctx context.Context, kind string) (storage.DispatchState, error)
	PutDispatchState(ctx context.Context, st storage.DispatchState) error
}

// FireState holds, per kind, the start of the last period a notification was
// sent for. With a nil store it lives in memory only and is lost on restart.
type FireState struct {
	store StateStore

	mu     sync.Mutex
	last   map[Kind]time.Time
	loaded map[Kind]bool
}

func NewFireState(store StateStore) *FireState {
	return &FireState{
		store:  store,
		last:   map[Kind]time.Time{},
		loaded: map[Kind]bool{},
	}
}

// Last returns the last fired period start for kind. The persisted marker is
// read on first use.
func (s *FireState) Last(ctx context.Context, kind Kind) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx, kind); err != nil {
		return time.Time{}, false, err
	}
	t, ok := s.last[kind]
	return t, ok, nil
}

func (s *FireState) loadLocked(ctx context.Context, kind Kind) error {
	if s.store == nil || s.loaded[kind] {
		return nil
	}
	st, err := s.store.GetDispatchState(ctx, string(kind))
	switch {
	case err == nil:
		s.last[kind] = st.PeriodStart
	case errors.Is(err, storage.ErrNotFound):
	default:
		return fmt.Errorf("load %s state: %w", kind, err)
	}
	s.loaded[kind] = true
	return nil
}

// ShouldFire reports whether kind has not fired yet for the period starting at
// target (no marker, or a marker for an earlier period).
func (s *FireState) ShouldFire(ctx context.Context, kind Kind, target time.Time) (bool, error) {
	last, ok, err := s.Last(ctx, kind)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	// Compare calendar dates so markers read back in another zone still match.
	return last.Format(calendar.DateLayout) < target.Format(calendar.DateLayout), nil
}

// Mark records that kind fired for target. The in-memory marker is always
// updated; a persistence error is returned but does not undo it.
func (s *FireState) Mark(ctx context.Context, kind Kind, target, firedAt time.Time) error {
	s.mu.Lock()
	s.last[kind] = target
	s.loaded[kind] = true
	store := s.store
	s.mu.Unlock()

	if store == nil {
		return nil
	}
	err := store.PutDispatchState(ctx, storage.DispatchState{Kind: string(kind), PeriodStart: target, FiredAt: firedAt})
	if err != nil {
		return fmt.Errorf("persist %s state: %w", kind, err)
	}
	return nil
}

func (s *FireState) Persistent() bool { return s.store != nil }
