package format

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unmarshalResponse(t *testing.T, raw string) *GeminiResponse {
	t.Helper()
	var resp GeminiResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	return &resp
}

func TestConvertWrappedResponse(t *testing.T) {
	resp := unmarshalResponse(t, `{"response":{
		"candidates":[{"content":{"role":"model","parts":[{"text":"hello"}]},"finishReason":"STOP"}],
		"usageMetadata":{"promptTokenCount":120,"candidatesTokenCount":8,"cachedContentTokenCount":100}
	}}`)

	out := ConvertGeminiToAnthropic(resp, "claude-sonnet-4-5")
	assert.Equal(t, "message", out.Type)
	assert.Equal(t, "assistant", out.Role)
	assert.Regexp(t, `^msg_[0-9a-f]{32}$`, out.ID)
	require.Len(t, out.Content, 1)
	assert.Equal(t, "hello", out.Content[0].Text)
	assert.Equal(t, "end_turn", out.StopReason)

	// input_tokens excludes cached content.
	assert.Equal(t, 20, out.Usage.InputTokens)
	assert.Equal(t, 8, out.Usage.OutputTokens)
	assert.Equal(t, 100, out.Usage.CacheReadInputTokens)
}

func TestConvertDirectResponseThinkingAndToolUse(t *testing.T) {
	resp := unmarshalResponse(t, `{
		"candidates":[{"content":{"parts":[
			{"text":"pondering","thought":true,"thoughtSignature":"sig-0123456789"},
			{"text":"the answer"},
			{"functionCall":{"id":"call-1","name":"lookup","args":{"q":"x"}},"thoughtSignature":"toolsig-0123456789"}
		]},"finishReason":"STOP"}]
	}`)

	out := ConvertGeminiToAnthropic(resp, "m")
	require.Len(t, out.Content, 3)

	assert.Equal(t, "thinking", out.Content[0].Type)
	assert.Equal(t, "pondering", out.Content[0].Thinking)
	assert.Equal(t, "sig-0123456789", out.Content[0].Signature)

	assert.Equal(t, "text", out.Content[1].Type)

	tool := out.Content[2]
	assert.Equal(t, "tool_use", tool.Type)
	assert.Equal(t, "call-1", tool.ID)
	assert.Equal(t, "lookup", tool.Name)
	assert.JSONEq(t, `{"q":"x"}`, string(tool.Input))
	assert.Equal(t, "toolsig-0123456789", tool.ThoughtSignature)

	assert.Equal(t, "tool_use", out.StopReason)

	// The tool signature is cached for the next turn.
	assert.Equal(t, "toolsig-0123456789", Signatures().Get("call-1"))
}

func TestConvertToolUseWithoutIDGeneratesOne(t *testing.T) {
	resp := unmarshalResponse(t, `{"candidates":[{"content":{"parts":[
		{"functionCall":{"name":"lookup"}}
	]}}]}`)

	out := ConvertGeminiToAnthropic(resp, "m")
	require.Len(t, out.Content, 1)
	assert.Regexp(t, `^toolu_[0-9a-f]{24}$`, out.Content[0].ID)
	assert.JSONEq(t, `{}`, string(out.Content[0].Input))
}

func TestStopReasonMapping(t *testing.T) {
	assert.Equal(t, "end_turn", StopReason("STOP", false))
	assert.Equal(t, "max_tokens", StopReason("MAX_TOKENS", false))
	assert.Equal(t, "stop_sequence", StopReason("SAFETY", false))
	assert.Equal(t, "end_turn", StopReason("SOMETHING_NEW", false))
	assert.Equal(t, "end_turn", StopReason("", false))
	assert.Equal(t, "tool_use", StopReason("STOP", true))
}

func TestConvertEmptyResponseGetsPlaceholderBlock(t *testing.T) {
	resp := unmarshalResponse(t, `{"candidates":[{"finishReason":"STOP"}]}`)
	out := ConvertGeminiToAnthropic(resp, "m")
	require.Len(t, out.Content, 1)
	assert.Equal(t, "text", out.Content[0].Type)
	assert.Empty(t, out.Content[0].Text)
}
