package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/wxrelay/internal/bus"
	"github.com/hrygo/wxrelay/internal/model"
	"github.com/hrygo/wxrelay/internal/remoteclient"
	"github.com/hrygo/wxrelay/store"
	"github.com/hrygo/wxrelay/store/sqlite"
)

func newMonitorTestStore(t *testing.T) *store.Store {
	t.Helper()
	driver, err := sqlite.NewDB("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(t.Context()))
	st, err := store.New(t.Context(), driver, bus.New(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestHealthScore_FullyHealthyIsOneHundred(t *testing.T) {
	score := healthScore(true, 2, 2, 2, 2, 100, 0)
	assert.Equal(t, 100.0, score)
}

func TestHealthScore_NotRunningSubtractsForty(t *testing.T) {
	score := healthScore(false, 2, 2, 2, 2, 0, 0)
	assert.Equal(t, 60.0, score)
}

func TestHealthScore_DisconnectedClientsScalePenalty(t *testing.T) {
	score := healthScore(true, 0, 2, 2, 2, 0, 0)
	assert.Equal(t, 70.0, score)
}

func TestHealthScore_NoActiveListenersScalePenalty(t *testing.T) {
	score := healthScore(true, 2, 2, 0, 2, 0, 0)
	assert.Equal(t, 80.0, score)
}

func TestHealthScore_HighErrorRateSubtractsTen(t *testing.T) {
	score := healthScore(true, 2, 2, 2, 2, 100, 15)
	assert.Equal(t, 90.0, score)
}

func TestHealthScore_ModerateErrorRateSubtractsFive(t *testing.T) {
	score := healthScore(true, 2, 2, 2, 2, 100, 6)
	assert.Equal(t, 95.0, score)
}

func TestHealthScore_NeverGoesNegative(t *testing.T) {
	score := healthScore(false, 0, 2, 0, 2, 100, 100)
	assert.Equal(t, 0.0, score)
}

func TestMonitor_SampleReflectsInstanceListenerLiveness(t *testing.T) {
	st := newMonitorTestStore(t)
	require.NoError(t, st.CreateInstance(t.Context(), &model.Instance{ID: "i1", Name: "i1", Enabled: true}))
	require.NoError(t, st.Driver().UpsertListener(t.Context(), &model.Listener{
		InstanceID: "i1", ChatName: "alice", Status: model.ListenerActive,
	}))

	clients := map[string]*remoteclient.Client{}
	m := New(st, clients, 10*time.Millisecond, prometheus.NewRegistry())

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_ = m.Run(ctx)

	snap := m.Snapshot()
	assert.Equal(t, 1, snap.InstancesWithActive)
	assert.Equal(t, 1, snap.TotalInstances)
	assert.False(t, snap.Running, "Run has already returned by the time we snapshot")
}

func TestMonitor_RecordFailedAppendsToRingAndCaps(t *testing.T) {
	st := newMonitorTestStore(t)
	m := New(st, nil, time.Hour, prometheus.NewRegistry())
	for i := 0; i < ringSize+10; i++ {
		m.RecordFailed("boom")
	}
	snap := m.Snapshot()
	assert.Equal(t, int64(ringSize+10), snap.Failed)
	assert.Len(t, snap.RecentErrors, ringSize)
}

func TestMonitor_RecordersIncrementCounters(t *testing.T) {
	st := newMonitorTestStore(t)
	m := New(st, nil, time.Hour, prometheus.NewRegistry())
	m.RecordProcessed()
	m.RecordDelivered()
	m.RecordReplied()

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.Processed)
	assert.Equal(t, int64(1), snap.Delivered)
	assert.Equal(t, int64(1), snap.Replied)
}
