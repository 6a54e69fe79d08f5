package platform

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/wxrelay/internal/bus"
	"github.com/hrygo/wxrelay/internal/model"
	"github.com/hrygo/wxrelay/store"
	"github.com/hrygo/wxrelay/store/sqlite"
)

func newManagerTestStore(t *testing.T) *store.Store {
	t.Helper()
	driver, err := sqlite.NewDB("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(t.Context()))
	st, err := store.New(t.Context(), driver, bus.New(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestManager_ResolveBuildsAndCaches(t *testing.T) {
	st := newManagerTestStore(t)
	cfg := map[string]any{
		"rules": []any{map[string]any{
			"keywords": []any{"hi"}, "match_type": "contains", "replies": []any{"hello"},
		}},
	}
	require.NoError(t, st.CreatePlatform(t.Context(), &model.Platform{ID: "p1", Name: "kw", Type: model.PlatformKeyword, Config: cfg, Enabled: true}))

	m := NewManager(NewRegistry(), st)
	p1, err := m.Resolve(t.Context(), "p1")
	require.NoError(t, err)
	p2, err := m.Resolve(t.Context(), "p1")
	require.NoError(t, err)
	assert.Same(t, p1, p2)
}

func TestManager_ResolveUnknownPlatformErrors(t *testing.T) {
	st := newManagerTestStore(t)
	m := NewManager(NewRegistry(), st)
	_, err := m.Resolve(t.Context(), "nonexistent")
	assert.Error(t, err)
}

func TestManager_EvictsOnPlatformUpdated(t *testing.T) {
	st := newManagerTestStore(t)
	cfg := map[string]any{
		"rules": []any{map[string]any{
			"keywords": []any{"hi"}, "match_type": "contains", "replies": []any{"hello"},
		}},
	}
	require.NoError(t, st.CreatePlatform(t.Context(), &model.Platform{ID: "p1", Name: "kw", Type: model.PlatformKeyword, Config: cfg, Enabled: true}))

	m := NewManager(NewRegistry(), st)
	first, err := m.Resolve(t.Context(), "p1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	go m.Run(ctx)
	defer cancel()

	require.NoError(t, st.UpdatePlatform(t.Context(), &model.Platform{ID: "p1", Name: "kw", Type: model.PlatformKeyword, Config: cfg, Enabled: true}))
	require.Eventually(t, func() bool {
		m.mu.Lock()
		_, ok := m.instances["p1"]
		m.mu.Unlock()
		return !ok
	}, time.Second, 5*time.Millisecond)

	second, err := m.Resolve(t.Context(), "p1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}
