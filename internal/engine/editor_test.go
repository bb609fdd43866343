package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/Cicero/internal/pkg/errs"
	"github.com/Gopher0727/Cicero/internal/repositories"
)

// slowStore holds up the first transaction it runs.
type slowStore struct {
	repositories.Store
	delay       time.Duration
	cancellable bool

	once    sync.Once
	started chan struct{}
}

func (s *slowStore) RunInTransaction(ctx context.Context, fn func(tx repositories.Tx) error) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.started)
		if s.cancellable {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		} else {
			time.Sleep(s.delay)
		}
	}
	return s.Store.RunInTransaction(ctx, fn)
}

func TestEditorDebouncesName(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	id := h.create(t, "A", "Chess")

	ed := h.e.NewEditor("A", id, nil)
	defer ed.Close()
	for _, name := range []string{"C", "Ch", "Che", "Chess Club"} {
		require.NoError(t, ed.SetName(name))
	}
	assert.True(t, ed.Pending(fieldName))

	// nothing is written during the quiet period
	g, err := h.store.GetGroup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Chess", g.Name)

	assert.Eventually(t, func() bool {
		g, err := h.store.GetGroup(ctx, id)
		return err == nil && g.Name == "Chess Club"
	}, waitTimeout, 10*time.Millisecond)
	assert.False(t, ed.Pending(fieldName))
}

func TestEditorRejectsEmptyName(t *testing.T) {
	h := setup(t)
	id := h.create(t, "A", "Chess")

	ed := h.e.NewEditor("A", id, nil)
	defer ed.Close()
	err := ed.SetName("  ")
	assert.True(t, errs.Is(err, errs.KindInvalidArgument))
	assert.False(t, ed.Pending(fieldName))
}

func TestEditorCloseFlushes(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	id := h.create(t, "A", "Chess")

	ed := h.e.NewEditor("A", id, nil)
	ed.SetDescription("Tuesdays at six")
	ed.Close()

	g, err := h.store.GetGroup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Tuesdays at six", g.Description)

	// edits after Close are ignored
	ed.SetDescription("ignored")
	assert.False(t, ed.Pending(fieldDescription))
}

func TestEditorReportsFailures(t *testing.T) {
	h := setup(t)
	id := h.create(t, "A", "Chess")

	var mu sync.Mutex
	var failed []string
	ed := h.e.NewEditor("B", id, func(field string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if errs.Is(err, errs.KindPermissionDenied) {
			failed = append(failed, field)
		}
	})
	require.NoError(t, ed.SetName("Mine"))
	ed.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{fieldName}, failed)
}

func TestEditorLatestValueWins(t *testing.T) {
	for _, tc := range []struct {
		name        string
		cancellable bool
	}{
		{"slow write ignores cancellation", false},
		{"slow write is cancelled", true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := setup(t)
			ctx := context.Background()
			id := h.create(t, "A", "Chess")

			slow := &slowStore{Store: h.store, delay: 400 * time.Millisecond, cancellable: tc.cancellable, started: make(chan struct{})}
			h.e.store = slow

			var mu sync.Mutex
			var failures []error
			ed := h.e.NewEditor("A", id, func(_ string, err error) {
				mu.Lock()
				defer mu.Unlock()
				failures = append(failures, err)
			})
			defer ed.Close()

			require.NoError(t, ed.SetName("Chess Club"))
			select {
			case <-slow.started:
			case <-time.After(waitTimeout):
				t.Fatal("debounced write never started")
			}

			require.NoError(t, ed.SetName("Chess Club Final"))
			ed.Flush()

			g, err := h.store.GetGroup(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "Chess Club Final", g.Name)

			// the first write may still be returning; it must not land afterwards
			time.Sleep(500 * time.Millisecond)
			g, err = h.store.GetGroup(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "Chess Club Final", g.Name)

			mu.Lock()
			defer mu.Unlock()
			assert.Empty(t, failures)
		})
	}
}
