package platform

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/wxrelay/internal/errs"
)

func TestNewOpenAI_RequiresAPIKeyAndModel(t *testing.T) {
	raw, err := json.Marshal(openaiConfig{Model: "gpt-4"})
	require.NoError(t, err)
	_, err = newOpenAI(raw)
	assert.Error(t, err)

	raw, err = json.Marshal(openaiConfig{APIKey: "sk-x"})
	require.NoError(t, err)
	_, err = newOpenAI(raw)
	assert.Error(t, err)
}

func TestNewOpenAI_BuildsClientWithCustomBase(t *testing.T) {
	raw, err := json.Marshal(openaiConfig{APIKey: "sk-x", Model: "gpt-4", APIBase: "https://example.com/v1"})
	require.NoError(t, err)
	p, err := newOpenAI(raw)
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Kind())
}

func TestSendModeOf(t *testing.T) {
	assert.Equal(t, SendModeTyping, sendModeOf("typing"))
	assert.Equal(t, SendModeNormal, sendModeOf("normal"))
	assert.Equal(t, SendModeNormal, sendModeOf(""))
	assert.Equal(t, SendModeNormal, sendModeOf("bogus"))
}

func TestClassifyOpenAIError_AuthIsPermanent(t *testing.T) {
	err := classifyOpenAIError(&openai.APIError{HTTPStatusCode: 401, Message: "invalid key"})
	var te *errs.Error
	require.True(t, errors.As(err, &te))
	assert.True(t, te.Permanent)
	assert.False(t, errs.IsRetryable(err))
}

func TestClassifyOpenAIError_RateLimitIsTransient(t *testing.T) {
	err := classifyOpenAIError(&openai.APIError{HTTPStatusCode: 429, Message: "rate limited"})
	var te *errs.Error
	require.True(t, errors.As(err, &te))
	assert.False(t, te.Permanent)
	assert.True(t, errs.IsRetryable(err))
}
