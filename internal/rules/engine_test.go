package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/wxrelay/internal/model"
)

func newEngine(t *testing.T, rs []*model.Rule) *Engine {
	t.Helper()
	e, err := NewEngine()
	require.NoError(t, err)
	warnings := e.Rebuild(rs)
	require.Empty(t, warnings)
	return e
}

func TestMatch_WildcardAndPriority(t *testing.T) {
	rs := []*model.Rule{
		{ID: "r-low", Enabled: true, InstanceSelector: "*", ChatPattern: "*", PlatformID: "p1", Priority: 0},
		{ID: "r-high", Enabled: true, InstanceSelector: "*", ChatPattern: "*", PlatformID: "p2", Priority: 5},
	}
	e := newEngine(t, rs)
	got := e.Match("i1", "alice", &model.Message{Content: "hi"})
	require.NotNil(t, got)
	assert.Equal(t, "r-high", got.ID)
}

func TestMatch_PriorityTieBreaksByID(t *testing.T) {
	rs := []*model.Rule{
		{ID: "r-010", Enabled: true, InstanceSelector: "*", ChatPattern: "*", PlatformID: "p1", Priority: 5},
		{ID: "r-002", Enabled: true, InstanceSelector: "*", ChatPattern: "*", PlatformID: "p2", Priority: 5},
	}
	e := newEngine(t, rs)
	got := e.Match("i1", "alice", &model.Message{Content: "hi"})
	require.NotNil(t, got)
	assert.Equal(t, "r-002", got.ID)
}

func TestMatch_InstanceSelector(t *testing.T) {
	rs := []*model.Rule{
		{ID: "r1", Enabled: true, InstanceSelector: "i2", ChatPattern: "*", PlatformID: "p1", Priority: 0},
	}
	e := newEngine(t, rs)
	assert.Nil(t, e.Match("i1", "alice", &model.Message{Content: "hi"}))
	assert.NotNil(t, e.Match("i2", "alice", &model.Message{Content: "hi"}))
}

func TestMatch_RegexChatPattern(t *testing.T) {
	rs := []*model.Rule{
		{ID: "r1", Enabled: true, InstanceSelector: "*", ChatPattern: "regex:^ops-.*", PlatformID: "p1", Priority: 0},
	}
	e := newEngine(t, rs)
	assert.NotNil(t, e.Match("i1", "ops-alerts", &model.Message{Content: "hi"}))
	assert.Nil(t, e.Match("i1", "random", &model.Message{Content: "hi"}))
}

func TestMatch_CELChatPattern(t *testing.T) {
	rs := []*model.Rule{
		{ID: "r1", Enabled: true, InstanceSelector: "*", ChatPattern: `cel: chat.startsWith("ops-") && sender != "系统"`, PlatformID: "p1", Priority: 0},
	}
	e := newEngine(t, rs)
	assert.NotNil(t, e.Match("i1", "ops-alerts", &model.Message{Sender: "alice", Content: "hi"}))
	assert.Nil(t, e.Match("i1", "ops-alerts", &model.Message{Sender: "系统", Content: "hi"}))
}

func TestMatch_AtMentionGate(t *testing.T) {
	rs := []*model.Rule{
		{ID: "r1", Enabled: true, InstanceSelector: "*", ChatPattern: "*", PlatformID: "p1", Priority: 0, OnlyAtMessages: true, AtName: "bot"},
	}
	e := newEngine(t, rs)
	assert.NotNil(t, e.Match("i1", "alice", &model.Message{Content: "@bot hello"}))
	assert.Nil(t, e.Match("i1", "alice", &model.Message{Content: "@bot2 hello"}))
	assert.Nil(t, e.Match("i1", "alice", &model.Message{Content: "hello @bot"}))
}

func TestMatch_NoMatchReturnsNil(t *testing.T) {
	e := newEngine(t, nil)
	assert.Nil(t, e.Match("i1", "alice", &model.Message{Content: "hi"}))
}

func TestMatch_DeterministicAcrossCalls(t *testing.T) {
	rs := []*model.Rule{
		{ID: "r-a", Enabled: true, InstanceSelector: "*", ChatPattern: "alice", PlatformID: "p1", Priority: 1},
		{ID: "r-b", Enabled: true, InstanceSelector: "*", ChatPattern: "*", PlatformID: "p2", Priority: 0},
	}
	e := newEngine(t, rs)
	msg := &model.Message{Content: "hi"}
	first := e.Match("i1", "alice", msg)
	for i := 0; i < 10; i++ {
		got := e.Match("i1", "alice", msg)
		require.Equal(t, first.ID, got.ID)
	}
}
