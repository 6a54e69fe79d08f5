package listener

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/wxrelay/internal/bus"
	"github.com/hrygo/wxrelay/internal/model"
	"github.com/hrygo/wxrelay/internal/remoteclient"
	"github.com/hrygo/wxrelay/store"
	"github.com/hrygo/wxrelay/store/sqlite"
)

type fakeClient struct {
	mu           sync.Mutex
	unread       []remoteclient.UnreadChat
	listenerMsgs map[string][]remoteclient.RawMessage
	added        []string
	removed      []string
	connected    bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{listenerMsgs: make(map[string][]remoteclient.RawMessage), connected: true}
}

func (f *fakeClient) Init(ctx context.Context) error { return nil }

func (f *fakeClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) ProbeUntilConnected(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) ListUnreadMainWindow(ctx context.Context) ([]remoteclient.UnreadChat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, nil
}

func (f *fakeClient) AddListener(ctx context.Context, chatName string, opts remoteclient.ListenerOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, chatName)
	return nil
}

func (f *fakeClient) RemoveListener(ctx context.Context, chatName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, chatName)
	return nil
}

func (f *fakeClient) FetchListenerMessages(ctx context.Context, chatName string) ([]remoteclient.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.listenerMsgs[chatName]
	f.listenerMsgs[chatName] = nil
	return msgs, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	driver, err := sqlite.NewDB("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(t.Context()))
	st, err := store.New(t.Context(), driver, bus.New(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestInstanceRunner_DiscoversListenerFromMainWindow(t *testing.T) {
	st := newTestStore(t)
	client := newFakeClient()
	client.unread = []remoteclient.UnreadChat{
		{ChatName: "alice", Messages: []remoteclient.RawMessage{
			{MessageID: "m1", Sender: "alice", Content: "hi", Type: "text", CreateTime: 1000},
		}},
	}

	r := newInstanceRunner("inst1", client, st, Config{PollInterval: time.Second, MaxListenersPerInstance: 10, InactivityMinutes: 30})
	r.scanMainWindow(t.Context())

	assert.True(t, r.hasListener("alice"))
	assert.Contains(t, client.added, "alice")

	rows, err := st.Driver().ListUnprocessedByChat(t.Context(), "inst1", "alice", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestInstanceRunner_CapacityReapsLeastRecentlyActive(t *testing.T) {
	st := newTestStore(t)
	client := newFakeClient()
	r := newInstanceRunner("inst1", client, st, Config{PollInterval: time.Second, MaxListenersPerInstance: 1, InactivityMinutes: 30})

	require.True(t, r.createListener(t.Context(), "first", false))
	r.mu.Lock()
	r.active["first"].lastMessageTime = 100
	r.mu.Unlock()

	require.True(t, r.createListener(t.Context(), "second", false))

	assert.False(t, r.hasListener("first"))
	assert.True(t, r.hasListener("second"))
	assert.Contains(t, client.removed, "first")
}

func TestInstanceRunner_CapacityRejectsWhenNothingReapable(t *testing.T) {
	st := newTestStore(t)
	client := newFakeClient()
	r := newInstanceRunner("inst1", client, st, Config{PollInterval: time.Second, MaxListenersPerInstance: 1, InactivityMinutes: 30})

	require.True(t, r.createListener(t.Context(), "fixed-chat", true))
	assert.False(t, r.createListener(t.Context(), "newcomer", false))
}

func TestInstanceRunner_ReaperSkipsExemptListeners(t *testing.T) {
	st := newTestStore(t)
	client := newFakeClient()
	r := newInstanceRunner("inst1", client, st, Config{PollInterval: time.Second, MaxListenersPerInstance: 10, InactivityMinutes: 1})

	require.True(t, r.createListener(t.Context(), "manual", false))
	r.mu.Lock()
	r.active["manual"].manualAdded = true
	r.active["manual"].lastMessageTime = 0
	r.mu.Unlock()

	require.True(t, r.createListener(t.Context(), "stale", false))
	r.mu.Lock()
	r.active["stale"].lastMessageTime = 0
	r.mu.Unlock()

	r.reap(t.Context(), time.Unix(1_000_000, 0))

	assert.True(t, r.hasListener("manual"))
	assert.False(t, r.hasListener("stale"))
}

func TestInstanceRunner_ReconcileFixedListenersCreatesMissing(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.UpsertFixedListener(t.Context(), &model.FixedListener{ID: "f1", SessionName: "ops-room", Enabled: true}))

	client := newFakeClient()
	r := newInstanceRunner("inst1", client, st, Config{PollInterval: time.Second, MaxListenersPerInstance: 10, InactivityMinutes: 30})
	r.reconcileFixedListeners(t.Context())

	assert.True(t, r.hasListener("ops-room"))
	r.mu.Lock()
	assert.True(t, r.active["ops-room"].fixed)
	r.mu.Unlock()
}

func TestInstanceRunner_PerListenerLoopIngestsAndTouchesTimestamp(t *testing.T) {
	st := newTestStore(t)
	client := newFakeClient()
	r := newInstanceRunner("inst1", client, st, Config{PollInterval: time.Second, MaxListenersPerInstance: 10, InactivityMinutes: 30})
	require.True(t, r.createListener(t.Context(), "alice", false))

	client.listenerMsgs["alice"] = []remoteclient.RawMessage{
		{MessageID: "m1", Sender: "alice", Content: "hi", Type: "text", CreateTime: 5000},
	}
	r.scanListeners(t.Context())

	r.mu.Lock()
	got := r.active["alice"].lastMessageTime
	r.mu.Unlock()
	assert.Equal(t, int64(5000), got)
}

func TestSupervisor_StartStopIsIdempotentAndClean(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.CreateInstance(t.Context(), &model.Instance{ID: "i1", Name: "n1", BaseURL: "http://x", Enabled: true}))

	sup := New(st, func(in *model.Instance) (RemoteClient, error) {
		return newFakeClient(), nil
	}, Config{PollInterval: 20 * time.Millisecond, MaxListenersPerInstance: 10, InactivityMinutes: 30})

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	err := sup.Run(ctx)
	assert.NoError(t, err)
}
