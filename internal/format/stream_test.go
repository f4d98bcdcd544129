package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-tools/cloudcode-gateway/pkg/anthropic"
)

func collectEvents(t *testing.T, sse string) ([]*anthropic.SSEEvent, error) {
	t.Helper()
	events, errs := StreamGeminiToAnthropic(strings.NewReader(sse), "claude-sonnet-4-5")
	var out []*anthropic.SSEEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out, <-errs
}

func eventNames(events []*anthropic.SSEEvent) []string {
	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.Event
	}
	return names
}

func TestStreamTextOnly(t *testing.T) {
	sse := `data: {"response":{"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}}

data: {"response":{"candidates":[{"content":{"parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":2}}}

`
	events, err := collectEvents(t, sse)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventNames(events))

	start := events[0].Data.(anthropic.MessageStartEvent)
	assert.Equal(t, "claude-sonnet-4-5", start.Message.Model)

	delta := events[2].Data.(anthropic.ContentBlockDeltaEvent)
	assert.Equal(t, "text_delta", delta.Delta.Type)
	assert.Equal(t, "Hel", delta.Delta.Text)

	msgDelta := events[5].Data.(anthropic.MessageDeltaEvent)
	assert.Equal(t, "end_turn", msgDelta.Delta.StopReason)
	assert.Equal(t, 10, msgDelta.Usage.InputTokens)
	assert.Equal(t, 2, msgDelta.Usage.OutputTokens)
}

func TestStreamThinkingEmitsSignatureBeforeStop(t *testing.T) {
	sse := `data: {"candidates":[{"content":{"parts":[{"text":"hmm","thought":true}]}}]}

data: {"candidates":[{"content":{"parts":[{"text":" more","thought":true,"thoughtSignature":"sig-0123456789"}]}}]}

data: {"candidates":[{"content":{"parts":[{"text":"answer"}]},"finishReason":"STOP"}]}

`
	events, err := collectEvents(t, sse)
	require.NoError(t, err)

	names := eventNames(events)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", // thinking
		"content_block_delta",
		"content_block_delta",
		"content_block_delta", // signature_delta
		"content_block_stop",
		"content_block_start", // text
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names)

	sigDelta := events[4].Data.(anthropic.ContentBlockDeltaEvent)
	assert.Equal(t, "signature_delta", sigDelta.Delta.Type)
	assert.Equal(t, "sig-0123456789", sigDelta.Delta.Signature)
	assert.Equal(t, 0, sigDelta.Index)

	textStart := events[6].Data.(anthropic.ContentBlockStartEvent)
	assert.Equal(t, 1, textStart.Index, "text block gets the next index")
}

func TestStreamToolCall(t *testing.T) {
	sse := `data: {"candidates":[{"content":{"parts":[{"text":"Let me check."}]}}]}

data: {"candidates":[{"content":{"parts":[{"functionCall":{"id":"call-9","name":"lookup","args":{"q":"go"}}}]},"finishReason":"STOP"}]}

`
	events, err := collectEvents(t, sse)
	require.NoError(t, err)

	var toolStart *anthropic.ContentBlockStartEvent
	var toolDelta *anthropic.ContentBlockDeltaEvent
	for _, ev := range events {
		if s, ok := ev.Data.(anthropic.ContentBlockStartEvent); ok && s.ContentBlock.Type == "tool_use" {
			toolStart = &s
		}
		if d, ok := ev.Data.(anthropic.ContentBlockDeltaEvent); ok && d.Delta.Type == "input_json_delta" {
			toolDelta = &d
		}
	}
	require.NotNil(t, toolStart)
	assert.Equal(t, "call-9", toolStart.ContentBlock.ID)
	assert.Equal(t, "lookup", toolStart.ContentBlock.Name)
	require.NotNil(t, toolDelta)
	assert.JSONEq(t, `{"q":"go"}`, toolDelta.Delta.PartialJSON)

	final := events[len(events)-2].Data.(anthropic.MessageDeltaEvent)
	assert.Equal(t, "tool_use", final.Delta.StopReason)
}

func TestStreamMaxTokens(t *testing.T) {
	sse := `data: {"candidates":[{"content":{"parts":[{"text":"truncat"}]},"finishReason":"MAX_TOKENS"}]}

`
	events, err := collectEvents(t, sse)
	require.NoError(t, err)
	final := events[len(events)-2].Data.(anthropic.MessageDeltaEvent)
	assert.Equal(t, "max_tokens", final.Delta.StopReason)
}

func TestStreamUsageAccumulatesMax(t *testing.T) {
	sse := `data: {"candidates":[{"content":{"parts":[{"text":"a"}]}}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":1}}

data: {"candidates":[{"content":{"parts":[{"text":"b"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5,"cachedContentTokenCount":4}}

`
	events, err := collectEvents(t, sse)
	require.NoError(t, err)
	final := events[len(events)-2].Data.(anthropic.MessageDeltaEvent)
	assert.Equal(t, 6, final.Usage.InputTokens, "prompt minus cached")
	assert.Equal(t, 5, final.Usage.OutputTokens)
	assert.Equal(t, 4, final.Usage.CacheReadInputTokens)
}

func TestStreamIgnoresGarbageChunks(t *testing.T) {
	sse := `data: not json at all

data: {"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}]}

data: [DONE]

`
	events, err := collectEvents(t, sse)
	require.NoError(t, err)
	names := eventNames(events)
	assert.Contains(t, names, "content_block_delta")
	assert.Equal(t, "message_stop", names[len(names)-1])
}

func TestStreamEmptyBodyStillTerminates(t *testing.T) {
	events, err := collectEvents(t, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"message_start", "message_delta", "message_stop"}, eventNames(events))
}
