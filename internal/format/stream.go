package format

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/antigravity-tools/cloudcode-gateway/internal/config"
	"github.com/antigravity-tools/cloudcode-gateway/internal/utils"
	"github.com/antigravity-tools/cloudcode-gateway/pkg/anthropic"
)

const scannerBufferSize = 1024 * 1024

// StreamGeminiToAnthropic reads a Gemini SSE body and emits Anthropic
// streaming events on the returned channel. The error channel carries at
// most one mid-stream failure; both channels close when the stream ends.
// The caller owns closing the body.
func StreamGeminiToAnthropic(body io.Reader, model string) (<-chan *anthropic.SSEEvent, <-chan error) {
	events := make(chan *anthropic.SSEEvent, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)
		translateStream(body, model, events, errs)
	}()

	return events, errs
}

type streamTranslator struct {
	events chan<- *anthropic.SSEEvent
	model  string

	blockIndex   int
	blockOpen    bool
	blockType    string // "text" or "thinking"
	thinkingSig  string
	hasToolCalls bool
	finishReason string
	usage        UsageMetadata
	started      bool
}

func translateStream(body io.Reader, model string, events chan<- *anthropic.SSEEvent, errs chan<- error) {
	t := &streamTranslator{events: events, model: model, blockIndex: -1}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), scannerBufferSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var chunk GeminiResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			utils.Debug("[Stream] Skipping unparsable chunk: %v", err)
			continue
		}
		t.consume(&chunk)
	}

	if err := scanner.Err(); err != nil {
		t.closeBlock()
		errs <- fmt.Errorf("upstream stream: %w", err)
		return
	}

	t.finish()
}

func (t *streamTranslator) ensureStarted() {
	if t.started {
		return
	}
	t.started = true
	t.events <- &anthropic.SSEEvent{
		Event: "message_start",
		Data: anthropic.MessageStartEvent{
			Type: "message_start",
			Message: anthropic.MessagesResponse{
				ID:           anthropic.NewMessageID(),
				Type:         "message",
				Role:         "assistant",
				Content:      []anthropic.ContentBlock{},
				Model:        t.model,
				StopSequence: nil,
				Usage:        &anthropic.Usage{},
			},
		},
	}
}

func (t *streamTranslator) consume(chunk *GeminiResponse) {
	t.ensureStarted()

	candidates, usage := chunk.Unwrap()
	if usage != nil {
		t.accumulateUsage(usage)
	}
	if len(candidates) == 0 {
		return
	}
	cand := candidates[0]
	if cand.FinishReason != "" {
		t.finishReason = cand.FinishReason
	}
	if cand.Content == nil {
		return
	}

	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			t.emitToolUse(part)
		case part.Thought:
			t.emitDelta("thinking", anthropic.Delta{Type: "thinking_delta", Thinking: part.Text})
			if part.ThoughtSignature != "" {
				t.thinkingSig = part.ThoughtSignature
			}
		case part.Text != "":
			t.emitDelta("text", anthropic.Delta{Type: "text_delta", Text: part.Text})
		}
	}
}

// emitDelta routes a delta to the current block, opening a new one when the
// block type changes.
func (t *streamTranslator) emitDelta(blockType string, delta anthropic.Delta) {
	if !t.blockOpen || t.blockType != blockType {
		t.closeBlock()
		t.blockIndex++
		t.blockOpen = true
		t.blockType = blockType
		t.thinkingSig = ""

		start := anthropic.ContentBlock{Type: blockType}
		t.events <- &anthropic.SSEEvent{
			Event: "content_block_start",
			Data: anthropic.ContentBlockStartEvent{
				Type:         "content_block_start",
				Index:        t.blockIndex,
				ContentBlock: start,
			},
		}
	}
	t.events <- &anthropic.SSEEvent{
		Event: "content_block_delta",
		Data: anthropic.ContentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: t.blockIndex,
			Delta: delta,
		},
	}
}

// emitToolUse emits a complete tool_use block: start, one input_json_delta
// with the full arguments, stop.
func (t *streamTranslator) emitToolUse(part GeminiPart) {
	t.closeBlock()
	t.blockIndex++
	t.hasToolCalls = true

	toolID := part.FunctionCall.ID
	if toolID == "" {
		toolID = anthropic.NewToolUseID()
	}
	args := part.FunctionCall.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	block := anthropic.ContentBlock{
		Type:  "tool_use",
		ID:    toolID,
		Name:  part.FunctionCall.Name,
		Input: json.RawMessage(`{}`),
	}
	if len(part.ThoughtSignature) >= config.MinSignatureLength {
		block.ThoughtSignature = part.ThoughtSignature
		Signatures().Put(toolID, part.ThoughtSignature)
	}

	t.events <- &anthropic.SSEEvent{
		Event: "content_block_start",
		Data: anthropic.ContentBlockStartEvent{
			Type:         "content_block_start",
			Index:        t.blockIndex,
			ContentBlock: block,
		},
	}
	t.events <- &anthropic.SSEEvent{
		Event: "content_block_delta",
		Data: anthropic.ContentBlockDeltaEvent{
			Type:  "content_block_delta",
			Index: t.blockIndex,
			Delta: anthropic.Delta{Type: "input_json_delta", PartialJSON: string(args)},
		},
	}
	t.events <- &anthropic.SSEEvent{
		Event: "content_block_stop",
		Data:  anthropic.ContentBlockStopEvent{Type: "content_block_stop", Index: t.blockIndex},
	}
}

// closeBlock ends the open streaming block. A signed thinking block gets its
// signature_delta immediately before the stop event.
func (t *streamTranslator) closeBlock() {
	if !t.blockOpen {
		return
	}
	if t.blockType == "thinking" && t.thinkingSig != "" {
		t.events <- &anthropic.SSEEvent{
			Event: "content_block_delta",
			Data: anthropic.ContentBlockDeltaEvent{
				Type:  "content_block_delta",
				Index: t.blockIndex,
				Delta: anthropic.Delta{Type: "signature_delta", Signature: t.thinkingSig},
			},
		}
	}
	t.events <- &anthropic.SSEEvent{
		Event: "content_block_stop",
		Data:  anthropic.ContentBlockStopEvent{Type: "content_block_stop", Index: t.blockIndex},
	}
	t.blockOpen = false
	t.thinkingSig = ""
}

// accumulateUsage keeps the maximum of each counter; upstream repeats
// cumulative totals across chunks.
func (t *streamTranslator) accumulateUsage(usage *UsageMetadata) {
	if usage.PromptTokenCount > t.usage.PromptTokenCount {
		t.usage.PromptTokenCount = usage.PromptTokenCount
	}
	if usage.CandidatesTokenCount > t.usage.CandidatesTokenCount {
		t.usage.CandidatesTokenCount = usage.CandidatesTokenCount
	}
	if usage.CachedContentTokenCount > t.usage.CachedContentTokenCount {
		t.usage.CachedContentTokenCount = usage.CachedContentTokenCount
	}
	if usage.ThoughtsTokenCount > t.usage.ThoughtsTokenCount {
		t.usage.ThoughtsTokenCount = usage.ThoughtsTokenCount
	}
}

func (t *streamTranslator) finish() {
	t.ensureStarted()
	t.closeBlock()

	t.events <- &anthropic.SSEEvent{
		Event: "message_delta",
		Data: anthropic.MessageDeltaEvent{
			Type: "message_delta",
			Delta: anthropic.MessageDelta{
				StopReason:   StopReason(t.finishReason, t.hasToolCalls),
				StopSequence: nil,
			},
			Usage: convertUsage(&t.usage),
		},
	}
	t.events <- &anthropic.SSEEvent{
		Event: "message_stop",
		Data:  anthropic.MessageStopEvent{Type: "message_stop"},
	}
}
