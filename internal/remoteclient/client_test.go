package remoteclient

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_ListUnreadMainWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "testkey", r.Header.Get("X-API-Key"))
		assert.Equal(t, "/api/message/main-unread", r.URL.Path)
		w.Write([]byte(`[{"chat_name":"alice","messages":[{"message_id":"m1","sender":"alice","content":"hi","type":"text","create_time":1000}]}]`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "testkey", 100)
	require.NoError(t, err)

	chats, err := c.ListUnreadMainWindow(t.Context())
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "alice", chats[0].ChatName)
	assert.Equal(t, "hi", chats[0].Messages[0].Content)
}

func TestClient_SendText_ProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":1,"message":"chat not found"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "testkey", 100)
	require.NoError(t, err)

	err = c.SendText(t.Context(), "alice", "hi", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestClient_DisconnectsAfterThreeFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "testkey", 100)
	require.NoError(t, err)

	for i := 0; i < consecutiveFailLimit; i++ {
		_ = c.Init(t.Context())
	}
	assert.False(t, c.Connected())
	assert.Equal(t, int64(consecutiveFailLimit), c.Stats.Snapshot().FailedCalls)
}

func TestClient_AuthFailureIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "badkey", 100)
	require.NoError(t, err)

	err = c.Init(t.Context())
	require.Error(t, err)
}
