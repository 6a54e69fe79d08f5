package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/wxrelay/internal/bus"
	"github.com/hrygo/wxrelay/internal/model"
	"github.com/hrygo/wxrelay/store"
	"github.com/hrygo/wxrelay/store/sqlite"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	driver, err := sqlite.NewDB("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(t.Context()))
	st, err := store.New(t.Context(), driver, bus.New(), "")
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close() })
	return st
}

func sampleBatch() []*model.Message {
	return []*model.Message{
		{MessageID: "m1", Sender: "alice", Content: "hi", MessageType: model.MessageText, CreateTime: 1000},
		{MessageID: "m2", Sender: "alice", Content: "how are you", MessageType: model.MessageText, CreateTime: 1010},
	}
}

func TestIngest_Idempotence(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()

	n1, err := Ingest(ctx, st, "i1", "alice-chat", sampleBatch())
	require.NoError(t, err)
	require.Equal(t, 2, n1)

	n2, err := Ingest(ctx, st, "i1", "alice-chat", sampleBatch())
	require.NoError(t, err)
	require.Equal(t, 0, n2, "repeated batch must insert zero new rows")

	rows, err := st.Driver().ListUnprocessedByChat(ctx, "i1", "alice-chat", 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestIngest_DropsSelfAndTime(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()

	batch := []*model.Message{
		{MessageID: "s1", Sender: "self", Content: "echo", MessageType: model.MessageText, CreateTime: 2000},
		{MessageID: "t1", Sender: "系统", Content: "12:00", MessageType: model.MessageTime, CreateTime: 2001},
		{MessageID: "m1", Sender: "bob", Content: "hello", MessageType: model.MessageText, CreateTime: 2002},
	}
	n, err := Ingest(ctx, st, "i1", "bob-chat", batch)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestIngest_BoundaryMarkerDropsEarlierMessages(t *testing.T) {
	st := newTestStore(t)
	ctx := t.Context()

	batch := []*model.Message{
		{MessageID: "old1", Sender: "carl", Content: "old message", MessageType: model.MessageText, CreateTime: 3000},
		{MessageID: "bnd", Sender: "carl", Content: NewMessagesBoundary, MessageType: model.MessageText, CreateTime: 3001},
		{MessageID: "new1", Sender: "carl", Content: "new message", MessageType: model.MessageText, CreateTime: 3002},
	}
	n, err := Ingest(ctx, st, "i1", "carl-chat", batch)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rows, err := st.Driver().ListUnprocessedByChat(ctx, "i1", "carl-chat", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "new message", rows[0].Content)
}

func TestFingerprint_StableWithinSameMinute(t *testing.T) {
	fp1 := Fingerprint("alice", "hi", 1000)
	fp2 := Fingerprint("alice", "hi", 1010)
	require.Equal(t, fp1, fp2)

	fp3 := Fingerprint("alice", "hi", 1061)
	require.NotEqual(t, fp1, fp3)
}
