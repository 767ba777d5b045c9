package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hpungsan/nudge/internal/advice"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestState_ShownTTLBoundary(t *testing.T) {
	st := NewState("s1")
	st.MarkShown("adv1", "Run the tests first", "testing", 600, t0)

	require.True(t, st.IsShown("adv1", t0.Add(300*time.Second)))
	require.True(t, st.IsShown("adv1", t0.Add(599*time.Second)))
	// Eligible exactly at shown_at + ttl
	require.False(t, st.IsShown("adv1", t0.Add(600*time.Second)))
	// Lazy expiry dropped the record
	require.NotContains(t, st.Shown, "adv1")
}

func TestState_SignatureSharesTTL(t *testing.T) {
	st := NewState("s1")
	st.MarkShown("adv1", "Run the **tests** first", "", 60, t0)

	require.True(t, st.SignatureSeen(advice.Signature("run the tests first"), t0.Add(59*time.Second)))
	require.False(t, st.SignatureSeen(advice.Signature("run the tests first"), t0.Add(60*time.Second)))
}

func TestState_Cooldown(t *testing.T) {
	st := NewState("s1")
	st.MarkToolEmitted("edit", 15, t0)

	require.True(t, st.ToolCooling("edit", t0.Add(14*time.Second)))
	require.False(t, st.ToolCooling("edit", t0.Add(15*time.Second)))
	require.False(t, st.ToolCooling("read", t0))

	st.MarkToolEmitted("bash", 0, t0)
	require.False(t, st.ToolCooling("bash", t0))
}

func TestState_PurgeAndPending(t *testing.T) {
	st := NewState("s1")
	st.MarkShown("a", "one statement", "", 10, t0)
	st.MarkShown("b", "two statement", "", 100, t0)
	st.MarkToolEmitted("edit", 5, t0)
	st.Pending = &PendingAdvisory{TraceID: "tr"}

	st.Purge(t0.Add(50 * time.Second))
	require.Len(t, st.Shown, 1)
	require.Len(t, st.Signatures, 1)
	require.Empty(t, st.Cooldowns)

	p := st.TakePending()
	require.Equal(t, "tr", p.TraceID)
	require.Nil(t, st.TakePending())
}

func TestStore_EvictsLeastRecentlyUsed(t *testing.T) {
	s := NewStore(2)
	s.Get("a", t0)
	s.Get("b", t0)
	s.Get("a", t0) // a is now most recent
	s.Get("c", t0)

	require.Equal(t, 2, s.Len())
	_, ok := s.Peek("b")
	require.False(t, ok, "b should have been evicted")
	_, ok = s.Peek("a")
	require.True(t, ok)
}

func TestStore_WithAndSweep(t *testing.T) {
	s := NewStore(0)
	s.With("s1", t0, func(st *State) {
		st.MarkShown("adv", "statement text", "", 10, t0)
	})
	s.With("s2", t0, func(st *State) {
		st.MarkShown("adv", "statement text", "", 1000, t0)
	})

	dropped := s.Sweep(t0.Add(20 * time.Second))
	require.Equal(t, 1, dropped)
	_, ok := s.Peek("s1")
	require.False(t, ok)
	st, ok := s.Peek("s2")
	require.True(t, ok)
	require.Equal(t, t0, st.LastSeen)
}

func TestStore_SweepKeepsStateWrittenConcurrently(t *testing.T) {
	later := t0.Add(20 * time.Second)
	for i := 0; i < 200; i++ {
		s := NewStore(0)
		s.With("s1", t0, func(st *State) {
			st.MarkShown("old", "expired statement", "", 10, t0)
		})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Sweep(later)
		}()
		go func() {
			defer wg.Done()
			s.With("s1", later, func(st *State) {
				st.MarkShown("new", "fresh statement", "", 600, later)
			})
		}()
		wg.Wait()

		st, ok := s.Peek("s1")
		require.True(t, ok, "iteration %d: session dropped", i)
		require.True(t, st.IsShown("new", later), "iteration %d: suppression lost", i)
	}
}

func TestStore_SweepSkipsReplacedState(t *testing.T) {
	s := NewStore(0)
	stale := s.Get("s1", t0)
	fresh := NewState("s1")
	fresh.MarkShown("adv", "statement text", "", 600, t0)
	s.Put(fresh)

	stale.Lock()
	require.False(t, s.deleteState(stale))
	stale.Unlock()

	// With always works on the stored state.
	s.With("s1", t0, func(st *State) {
		require.Same(t, fresh, st)
	})
	require.Equal(t, 0, s.Sweep(t0.Add(time.Second)))
	require.Equal(t, 1, s.Len())
}

func TestSnapshotter_FlushRestore(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := NewStore(0)
	store.With("keep", t0, func(st *State) {
		st.MarkShown("adv1", "Check migrations", "safety", 600, t0)
		st.MarkToolEmitted("edit", 15, t0)
		st.Pending = &PendingAdvisory{TraceID: "tr1", Tool: "edit", MentionedFiles: []string{"db/schema.sql"}}
	})
	store.With("expiring", t0, func(st *State) {
		st.MarkShown("adv2", "Short lived", "", 5, t0)
	})

	snap, err := OpenSnapshotter(dir, store, zap.NewNop())
	require.NoError(t, err)
	snap.now = func() time.Time { return t0.Add(time.Second) }
	require.NoError(t, snap.Flush(ctx))
	require.NoError(t, snap.Close())

	restored := NewStore(0)
	snap2, err := OpenSnapshotter(dir, restored, zap.NewNop())
	require.NoError(t, err)
	defer snap2.Close()
	snap2.now = func() time.Time { return t0.Add(20 * time.Second) }

	n, err := snap2.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	st, ok := restored.Peek("keep")
	require.True(t, ok)
	require.True(t, st.IsShown("adv1", t0.Add(20*time.Second)))
	require.Equal(t, "tr1", st.Pending.TraceID)
	require.Equal(t, []string{"db/schema.sql"}, st.Pending.MentionedFiles)
	// cooldown expired during the downtime
	require.Empty(t, st.Cooldowns)

	_, ok = restored.Peek("expiring")
	require.False(t, ok)
}

func TestSnapshotter_RemovesStale(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := NewStore(0)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("s%d", i)
		store.With(id, t0, func(st *State) {
			st.MarkShown("adv", "some advice", "", 600, t0)
		})
	}
	snap, err := OpenSnapshotter(dir, store, nil)
	require.NoError(t, err)
	defer snap.Close()
	snap.now = func() time.Time { return t0 }

	require.NoError(t, snap.Flush(ctx))
	store.Delete("s1")
	require.NoError(t, snap.Flush(ctx))

	restored := NewStore(0)
	snap.store = restored
	n, err := snap.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	_, ok := restored.Peek("s1")
	require.False(t, ok)
}

func TestSnapshotter_RunStopsOnCancel(t *testing.T) {
	store := NewStore(0)
	snap, err := OpenSnapshotter(t.TempDir(), store, nil)
	require.NoError(t, err)
	defer snap.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		snap.Run(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
