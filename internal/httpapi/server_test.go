package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/wxrelay/internal/bus"
	"github.com/hrygo/wxrelay/internal/model"
	"github.com/hrygo/wxrelay/store"
	"github.com/hrygo/wxrelay/store/sqlite"
)

func newTestServer(t *testing.T) (*echo.Echo, *store.Store) {
	t.Helper()
	driver, err := sqlite.NewDB("file::memory:?cache=shared")
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(t.Context()))
	st, err := store.New(t.Context(), driver, bus.New(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	e := echo.New()
	New(st, nil).Register(e)
	return e, st
}

func doJSON(e *echo.Echo, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHTTPAPI_CreateAndListInstance(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doJSON(e, http.MethodPost, "/instances", map[string]any{"ID": "i1", "Name": "one", "BaseURL": "http://x", "Enabled": true})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(e, http.MethodGet, "/instances", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got []model.Instance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "i1", got[0].ID)
}

func TestHTTPAPI_SetInstanceEnabledToggles(t *testing.T) {
	e, st := newTestServer(t)
	require.NoError(t, st.CreateInstance(t.Context(), &model.Instance{ID: "i1", Name: "one", Enabled: true}))

	rec := doJSON(e, http.MethodPost, "/instances/i1/enabled", map[string]any{"enabled": false})
	require.Equal(t, http.StatusNoContent, rec.Code)

	in, err := st.Driver().GetInstance(t.Context(), "i1")
	require.NoError(t, err)
	assert.False(t, in.Enabled)
}

func TestHTTPAPI_PlatformCRUD(t *testing.T) {
	e, _ := newTestServer(t)

	cfg := map[string]any{"rules": []any{}}
	rec := doJSON(e, http.MethodPost, "/platforms", map[string]any{"ID": "p1", "Name": "kw", "Type": "keyword", "Config": cfg, "Enabled": true})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(e, http.MethodDelete, "/platforms/p1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(e, http.MethodGet, "/platforms", nil)
	var got []model.Platform
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Empty(t, got)
}

func TestHTTPAPI_RuleCRUD(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doJSON(e, http.MethodPost, "/rules", map[string]any{
		"ID": "r1", "InstanceSelector": "*", "ChatPattern": "*", "PlatformID": "p1", "Enabled": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(e, http.MethodPut, "/rules/r1", map[string]any{
		"InstanceSelector": "*", "ChatPattern": "alice", "PlatformID": "p1", "Priority": 5, "Enabled": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(e, http.MethodDelete, "/rules/r1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHTTPAPI_FixedListenerUpsertAndDelete(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doJSON(e, http.MethodPost, "/fixed-listeners", map[string]any{"ID": "f1", "SessionName": "alice", "Enabled": true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(e, http.MethodGet, "/fixed-listeners", nil)
	var got []model.FixedListener
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)

	rec = doJSON(e, http.MethodDelete, "/fixed-listeners/f1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHTTPAPI_StatusWithoutMonitorReturnsZeroSnapshot(t *testing.T) {
	e, _ := newTestServer(t)
	rec := doJSON(e, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPAPI_MessagesRequiresInstanceAndChat(t *testing.T) {
	e, _ := newTestServer(t)
	rec := doJSON(e, http.MethodGet, "/messages", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPAPI_MetricsServesPrometheusExposition(t *testing.T) {
	e, _ := newTestServer(t)
	rec := doJSON(e, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_")
}
