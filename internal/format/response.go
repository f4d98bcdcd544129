package format

import (
	"encoding/json"

	"github.com/antigravity-tools/cloudcode-gateway/internal/config"
	"github.com/antigravity-tools/cloudcode-gateway/pkg/anthropic"
)

// StopReason maps a Gemini finishReason onto the Anthropic vocabulary.
func StopReason(finishReason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_use"
	}
	switch finishReason {
	case "STOP", "":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

// ConvertGeminiToAnthropic turns a unary Gemini response into a Messages
// response. Thought parts come back as thinking blocks, functionCall parts as
// tool_use blocks (caching their signatures for the next turn).
func ConvertGeminiToAnthropic(resp *GeminiResponse, model string) *anthropic.MessagesResponse {
	candidates, usage := resp.Unwrap()

	var parts []GeminiPart
	var finishReason string
	if len(candidates) > 0 {
		finishReason = candidates[0].FinishReason
		if candidates[0].Content != nil {
			parts = candidates[0].Content.Parts
		}
	}

	cache := Signatures()
	content := make([]anthropic.ContentBlock, 0, len(parts))
	hasToolCalls := false

	for _, part := range parts {
		switch {
		case part.FunctionCall != nil:
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
				Input: args,
			}
			if len(part.ThoughtSignature) >= config.MinSignatureLength {
				block.ThoughtSignature = part.ThoughtSignature
				cache.Put(toolID, part.ThoughtSignature)
			}
			content = append(content, block)
			hasToolCalls = true

		case part.InlineData != nil:
			content = append(content, anthropic.ContentBlock{
				Type: "image",
				Source: &anthropic.Source{
					Type:      "base64",
					MediaType: part.InlineData.MimeType,
					Data:      part.InlineData.Data,
				},
			})

		case part.Thought:
			content = append(content, anthropic.ContentBlock{
				Type:      "thinking",
				Thinking:  part.Text,
				Signature: part.ThoughtSignature,
			})

		case part.Text != "":
			content = append(content, anthropic.ContentBlock{Type: "text", Text: part.Text})
		}
	}

	if len(content) == 0 {
		content = append(content, anthropic.ContentBlock{Type: "text", Text: ""})
	}

	return &anthropic.MessagesResponse{
		ID:           anthropic.NewMessageID(),
		Type:         "message",
		Role:         "assistant",
		Content:      content,
		Model:        model,
		StopReason:   StopReason(finishReason, hasToolCalls),
		StopSequence: nil,
		Usage:        convertUsage(usage),
	}
}

// convertUsage maps upstream token counts. Gemini's promptTokenCount
// includes cached content; Anthropic's input_tokens excludes it.
func convertUsage(usage *UsageMetadata) *anthropic.Usage {
	if usage == nil {
		return &anthropic.Usage{}
	}
	input := usage.PromptTokenCount - usage.CachedContentTokenCount
	if input < 0 {
		input = 0
	}
	return &anthropic.Usage{
		InputTokens:          input,
		OutputTokens:         usage.CandidatesTokenCount,
		CacheReadInputTokens: usage.CachedContentTokenCount,
	}
}
