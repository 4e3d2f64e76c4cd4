// Package storetest is a conformance suite for store.Store implementations.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/toolsessions-go/store"
	"github.com/google/uuid"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// RunStoreTests exercises the contract every store must satisfy.
func RunStoreTests(t *testing.T, newStore Factory) {
	t.Helper()

	open := func(t *testing.T) store.Store {
		s := newStore(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	entry := func() store.Entry {
		return store.Entry{
			SessionID: uuid.NewString(),
			ToolName:  "echo",
			RefCount:  1,
			Status:    "initializing",
			CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
			Owner:     "user-1",
		}
	}

	t.Run("SetGet", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		e := entry()
		if err := s.Set(ctx, e); err != nil {
			t.Fatalf("Set: %v", err)
		}
		got, err := s.Get(ctx, e.SessionID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.SessionID != e.SessionID || got.ToolName != e.ToolName || got.RefCount != 1 || got.Status != e.Status || got.Owner != e.Owner {
			t.Fatalf("got %+v, want %+v", got, e)
		}
		if !got.CreatedAt.Equal(e.CreatedAt) {
			t.Fatalf("created at %v, want %v", got.CreatedAt, e.CreatedAt)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := open(t)
		if _, err := s.Get(context.Background(), uuid.NewString()); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("DeleteIdempotent", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		e := entry()
		if err := s.Set(ctx, e); err != nil {
			t.Fatalf("Set: %v", err)
		}
		for i := 0; i < 2; i++ {
			if err := s.Delete(ctx, e.SessionID); err != nil {
				t.Fatalf("Delete #%d: %v", i+1, err)
			}
		}
		if _, err := s.Get(ctx, e.SessionID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("RefCount", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		e := entry()
		if err := s.Set(ctx, e); err != nil {
			t.Fatalf("Set: %v", err)
		}
		steps := []struct {
			delta int64
			want  int64
		}{{1, 2}, {1, 3}, {-2, 1}, {-1, 0}}
		for _, st := range steps {
			n, err := s.UpdateRefCount(ctx, e.SessionID, st.delta)
			if err != nil {
				t.Fatalf("UpdateRefCount(%d): %v", st.delta, err)
			}
			if n != st.want {
				t.Fatalf("UpdateRefCount(%d) = %d, want %d", st.delta, n, st.want)
			}
		}
	})

	t.Run("RefCountNeverNegative", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		e := entry()
		if err := s.Set(ctx, e); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if _, err := s.UpdateRefCount(ctx, e.SessionID, -2); !errors.Is(err, store.ErrNegativeRefCount) {
			t.Fatalf("expected ErrNegativeRefCount, got %v", err)
		}
		got, err := s.Get(ctx, e.SessionID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.RefCount != 1 {
			t.Fatalf("refcount changed to %d by rejected update", got.RefCount)
		}
	})

	t.Run("RefCountMissing", func(t *testing.T) {
		s := open(t)
		if _, err := s.UpdateRefCount(context.Background(), uuid.NewString(), 1); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("RefCountConcurrent", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		e := entry()
		if err := s.Set(ctx, e); err != nil {
			t.Fatalf("Set: %v", err)
		}
		const n = 25
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.UpdateRefCount(ctx, e.SessionID, 1); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("UpdateRefCount: %v", err)
		}
		got, err := s.Get(ctx, e.SessionID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.RefCount != n+1 {
			t.Fatalf("refcount = %d, want %d", got.RefCount, n+1)
		}
	})

	t.Run("UpdateStatus", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		e := entry()
		if err := s.Set(ctx, e); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if err := s.UpdateStatus(ctx, e.SessionID, "running"); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
		got, err := s.Get(ctx, e.SessionID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != "running" || got.RefCount != 1 {
			t.Fatalf("got %+v", got)
		}
		if err := s.UpdateStatus(ctx, uuid.NewString(), "running"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for missing entry, got %v", err)
		}
	})
}
