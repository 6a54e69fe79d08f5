package platform

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/wxrelay/internal/model"
)

func TestRegistry_BuildUnknownTypeErrors(t *testing.T) {
	r := NewRegistry()
	_, err := r.Build(t.Context(), &model.Platform{Type: "nonexistent"})
	assert.Error(t, err)
}

func TestRegistry_BuildConstructsKeywordPlatform(t *testing.T) {
	r := NewRegistry()
	cfg := keywordConfig{Rules: []keywordRule{
		{Keywords: []string{"hi"}, MatchType: matchContains, Replies: []string{"hello"}},
	}}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))

	p, err := r.Build(t.Context(), &model.Platform{Type: model.PlatformKeyword, Config: m})
	require.NoError(t, err)
	assert.Equal(t, "keyword", p.Kind())
}

func TestRegistry_NormalizesDeprecatedKeywordMatchAlias(t *testing.T) {
	r := NewRegistry()
	cfg := keywordConfig{Rules: []keywordRule{
		{Keywords: []string{"hi"}, MatchType: matchContains, Replies: []string{"hello"}},
	}}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))

	p, err := r.Build(t.Context(), &model.Platform{Type: "keyword_match", Config: m})
	require.NoError(t, err)
	assert.Equal(t, "keyword", p.Kind())
}
