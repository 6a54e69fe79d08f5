package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/wxrelay/internal/bus"
	"github.com/hrygo/wxrelay/internal/errs"
	"github.com/hrygo/wxrelay/internal/model"
	"github.com/hrygo/wxrelay/internal/platform"
	"github.com/hrygo/wxrelay/internal/rules"
	"github.com/hrygo/wxrelay/store"
	"github.com/hrygo/wxrelay/store/sqlite"
)

func newPipelineTestStore(t *testing.T) *store.Store {
	t.Helper()
	driver, err := sqlite.NewDB("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(t.Context()))
	st, err := store.New(t.Context(), driver, bus.New(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func insertMessage(t *testing.T, st *store.Store, instanceID, chatName, sender, content string, createTime int64) *model.Message {
	t.Helper()
	m := &model.Message{
		MessageID:   content + "-" + chatName,
		InstanceID:  instanceID,
		ChatName:    chatName,
		Sender:      sender,
		Content:     content,
		MessageType: model.MessageText,
		CreateTime:  createTime,
		Fingerprint: sender + "|" + content,
	}
	_, _, err := st.Driver().InsertMessage(t.Context(), m)
	require.NoError(t, err)
	return m
}

func newEngineWithRule(t *testing.T, platformID string, replyAtSender bool) *rules.Engine {
	t.Helper()
	e, err := rules.NewEngine()
	require.NoError(t, err)
	warnings := e.Rebuild([]*model.Rule{{
		ID: "r1", Enabled: true, InstanceSelector: "*", ChatPattern: "*",
		PlatformID: platformID, Priority: 0, ReplyAtSender: replyAtSender,
	}})
	require.Empty(t, warnings)
	return e
}

func createKeywordPlatform(t *testing.T, st *store.Store, id string) {
	t.Helper()
	cfg := map[string]any{
		"rules": []any{map[string]any{
			"keywords": []any{"hi"}, "match_type": "contains", "replies": []any{"hello"},
		}},
	}
	require.NoError(t, st.CreatePlatform(t.Context(), &model.Platform{
		ID: id, Name: "kw", Type: model.PlatformKeyword, Config: cfg, Enabled: true,
	}))
}

// fakeSender records sent text so tests can assert merged content and
// at-mention behavior.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentCall
	fail bool
}

type sentCall struct {
	chat, text string
	atList     []string
}

func (f *fakeSender) SendText(ctx context.Context, chatName, text string, atList []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	f.sent = append(f.sent, sentCall{chat: chatName, text: text, atList: atList})
	return nil
}

func (f *fakeSender) SendTyping(ctx context.Context, chatName string) error { return nil }

func newTestPipeline(st *store.Store, engine *rules.Engine, sender *fakeSender, cfg Config) *Pipeline {
	return New(st, engine, platform.NewManager(platform.NewRegistry(), st), func(*model.Instance) (Sender, error) {
		return sender, nil
	}, cfg)
}

func requireInstance(t *testing.T, st *store.Store, id string) {
	t.Helper()
	require.NoError(t, st.CreateInstance(t.Context(), &model.Instance{ID: id, Name: id, Enabled: true}))
}

func TestPipeline_HappyPathDeliversAndMarksSuccess(t *testing.T) {
	st := newPipelineTestStore(t)
	requireInstance(t, st, "i1")
	createKeywordPlatform(t, st, "p1")
	insertMessage(t, st, "i1", "alice", "bob", "hi there", 100)

	engine := newEngineWithRule(t, "p1", false)
	sender := &fakeSender{}
	p := newTestPipeline(st, engine, sender, Config{BatchSize: 10})

	require.NoError(t, p.scanOnce(t.Context()))

	sender.mu.Lock()
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "alice", sender.sent[0].chat)
	sender.mu.Unlock()

	msgs, err := st.Driver().ListUnprocessedByChat(t.Context(), "i1", "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPipeline_NoRuleMatchMarksDeliveryNoneWithoutSending(t *testing.T) {
	st := newPipelineTestStore(t)
	requireInstance(t, st, "i1")
	insertMessage(t, st, "i1", "alice", "bob", "hi there", 100)

	engine, err := rules.NewEngine()
	require.NoError(t, err)
	sender := &fakeSender{}
	p := newTestPipeline(st, engine, sender, Config{BatchSize: 10})

	require.NoError(t, p.scanOnce(t.Context()))

	sender.mu.Lock()
	assert.Empty(t, sender.sent)
	sender.mu.Unlock()
}

func TestPipeline_ReplyAtSenderPrependsMention(t *testing.T) {
	st := newPipelineTestStore(t)
	requireInstance(t, st, "i1")
	createKeywordPlatform(t, st, "p1")
	insertMessage(t, st, "i1", "alice", "bob", "hi there", 100)

	engine := newEngineWithRule(t, "p1", true)
	sender := &fakeSender{}
	p := newTestPipeline(st, engine, sender, Config{BatchSize: 10})

	require.NoError(t, p.scanOnce(t.Context()))

	sender.mu.Lock()
	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0].text, "@bob")
	assert.Equal(t, []string{"bob"}, sender.sent[0].atList)
	sender.mu.Unlock()
}

func TestBuildUnits_MergesWithinWindowProducesSingleUnit(t *testing.T) {
	messages := []*model.Message{
		{InstanceID: "i1", ChatName: "alice", Sender: "A", Content: "m1", CreateTime: 1000},
		{InstanceID: "i1", ChatName: "alice", Sender: "A", Content: "m2", CreateTime: 1010},
		{InstanceID: "i1", ChatName: "alice", Sender: "A", Content: "m3", CreateTime: 1020},
	}
	units := buildUnits(messages, true, 60*time.Second)
	require.Len(t, units, 1)
	assert.Equal(t, "A: m1\nA: m2\nA: m3", units[0].content)
	assert.Len(t, units[0].messages, 3)
}

func TestBuildUnits_GapBeyondWindowSplitsUnits(t *testing.T) {
	messages := []*model.Message{
		{InstanceID: "i1", ChatName: "alice", Sender: "A", Content: "m1", CreateTime: 1000},
		{InstanceID: "i1", ChatName: "alice", Sender: "A", Content: "m2", CreateTime: 2000},
	}
	units := buildUnits(messages, true, 60*time.Second)
	require.Len(t, units, 2)
}

func TestBuildUnits_MergeDisabledKeepsEachMessageSeparate(t *testing.T) {
	messages := []*model.Message{
		{InstanceID: "i1", ChatName: "alice", Sender: "A", Content: "m1", CreateTime: 1000},
		{InstanceID: "i1", ChatName: "alice", Sender: "A", Content: "m2", CreateTime: 1005},
	}
	units := buildUnits(messages, false, 60*time.Second)
	require.Len(t, units, 2)
}

func TestBuildUnits_GroupsByInstanceAndChatIndependently(t *testing.T) {
	messages := []*model.Message{
		{InstanceID: "i1", ChatName: "alice", Content: "m1", CreateTime: 1000},
		{InstanceID: "i2", ChatName: "alice", Content: "m2", CreateTime: 1001},
	}
	units := buildUnits(messages, true, 60*time.Second)
	require.Len(t, units, 2)
}

func TestPipeline_PermanentPlatformErrorMarksFailedWithoutRetry(t *testing.T) {
	st := newPipelineTestStore(t)
	requireInstance(t, st, "i1")
	msg := insertMessage(t, st, "i1", "alice", "bob", "hi", 100)

	engine := newEngineWithRule(t, "missing-platform", false)
	sender := &fakeSender{}
	p := newTestPipeline(st, engine, sender, Config{BatchSize: 10})

	u := &unit{instanceID: "i1", chatName: "alice", messages: []*model.Message{msg}, content: "hi"}
	p.processUnit(t.Context(), u)

	got, err := st.Driver().GetMessage(t.Context(), msg.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.Equal(t, model.DeliveryFailed, got.DeliveryStatus)
}

func TestPipeline_RetryableErrorRecordsBackoffBelowMaxRetries(t *testing.T) {
	st := newPipelineTestStore(t)
	requireInstance(t, st, "i1")
	msg := insertMessage(t, st, "i1", "alice", "bob", "hi", 100)

	engine, err := rules.NewEngine()
	require.NoError(t, err)
	sender := &fakeSender{}
	p := newTestPipeline(st, engine, sender, Config{BatchSize: 10, MaxRetries: 3})

	u := &unit{instanceID: "i1", chatName: "alice", messages: []*model.Message{msg}, content: "hi"}
	p.handlePlatformError(t.Context(), u, errs.Transient(assert.AnError))

	got, err := st.Driver().GetMessage(t.Context(), msg.ID)
	require.NoError(t, err)
	assert.False(t, got.Processed, "a retry-eligible row stays unprocessed for the next scan")
	assert.Equal(t, 1, got.RetryCount)
	assert.Greater(t, got.NextRetryTime, int64(0))
}

func TestPipeline_RetryableErrorFailsPermanentlyAtMaxRetries(t *testing.T) {
	st := newPipelineTestStore(t)
	requireInstance(t, st, "i1")
	msg := insertMessage(t, st, "i1", "alice", "bob", "hi", 100)
	msg.RetryCount = 2 // next attempt reaches MaxRetries

	engine, err := rules.NewEngine()
	require.NoError(t, err)
	sender := &fakeSender{}
	p := newTestPipeline(st, engine, sender, Config{BatchSize: 10, MaxRetries: 3})

	u := &unit{instanceID: "i1", chatName: "alice", messages: []*model.Message{msg}, content: "hi"}
	p.handlePlatformError(t.Context(), u, errs.Transient(assert.AnError))

	got, err := st.Driver().GetMessage(t.Context(), msg.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)
	assert.Equal(t, model.DeliveryFailed, got.DeliveryStatus)
}

type countingRecorder struct {
	processed, delivered, replied, failed int
}

func (c *countingRecorder) RecordProcessed()    { c.processed++ }
func (c *countingRecorder) RecordDelivered()    { c.delivered++ }
func (c *countingRecorder) RecordReplied()      { c.replied++ }
func (c *countingRecorder) RecordFailed(string) { c.failed++ }

func TestGroupUnitsByChat_PreservesPerChatOrderAcrossInterleavedKeys(t *testing.T) {
	units := []*unit{
		{instanceID: "i1", chatName: "alice", content: "a1"},
		{instanceID: "i1", chatName: "bob", content: "b1"},
		{instanceID: "i1", chatName: "alice", content: "a2"},
		{instanceID: "i1", chatName: "alice", content: "a3"},
		{instanceID: "i1", chatName: "bob", content: "b2"},
	}
	groups := groupUnitsByChat(units)
	require.Len(t, groups, 2)

	var alice, bob []*unit
	for _, g := range groups {
		switch g[0].chatName {
		case "alice":
			alice = g
		case "bob":
			bob = g
		}
	}
	require.Len(t, alice, 3)
	assert.Equal(t, []string{"a1", "a2", "a3"}, []string{alice[0].content, alice[1].content, alice[2].content})
	require.Len(t, bob, 2)
	assert.Equal(t, []string{"b1", "b2"}, []string{bob[0].content, bob[1].content})
}

// TestPipeline_SameChatUnitsDeliverInCreateTimeOrder exercises the
// disconnect between chatlock's mutual exclusion and actual ordering:
// with merging disabled, two unprocessed messages in the same chat
// become two separate units dispatched under the same scan, and they
// must still be delivered to the sender in create_time order.
func TestPipeline_SameChatUnitsDeliverInCreateTimeOrder(t *testing.T) {
	st := newPipelineTestStore(t)
	requireInstance(t, st, "i1")
	cfg := map[string]any{
		"rules": []any{
			map[string]any{"keywords": []any{"first"}, "match_type": "contains", "replies": []any{"R1"}},
			map[string]any{"keywords": []any{"second"}, "match_type": "contains", "replies": []any{"R2"}},
		},
	}
	require.NoError(t, st.CreatePlatform(t.Context(), &model.Platform{
		ID: "p1", Name: "kw", Type: model.PlatformKeyword, Config: cfg, Enabled: true,
	}))
	insertMessage(t, st, "i1", "alice", "bob", "hi first", 100)
	insertMessage(t, st, "i1", "alice", "bob", "hi second", 200)

	engine := newEngineWithRule(t, "p1", false)
	sender := &fakeSender{}
	p := newTestPipeline(st, engine, sender, Config{BatchSize: 10, MergeMessages: false, Concurrency: 4})

	require.NoError(t, p.scanOnce(t.Context()))

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.sent, 2)
	assert.Equal(t, "R1", sender.sent[0].text)
	assert.Equal(t, "R2", sender.sent[1].text)
}

func TestPipeline_RecorderObservesHappyPath(t *testing.T) {
	st := newPipelineTestStore(t)
	requireInstance(t, st, "i1")
	createKeywordPlatform(t, st, "p1")
	insertMessage(t, st, "i1", "alice", "bob", "hi there", 100)

	engine := newEngineWithRule(t, "p1", false)
	sender := &fakeSender{}
	rec := &countingRecorder{}
	p := newTestPipeline(st, engine, sender, Config{BatchSize: 10}).WithRecorder(rec)

	require.NoError(t, p.scanOnce(t.Context()))

	assert.Equal(t, 1, rec.processed)
	assert.Equal(t, 1, rec.delivered)
	assert.Equal(t, 1, rec.replied)
	assert.Equal(t, 0, rec.failed)
}
