package format

import (
	"github.com/antigravity-tools/cloudcode-gateway/internal/config"
	"github.com/antigravity-tools/cloudcode-gateway/pkg/anthropic"
)

// hasValidSignature reports whether a thinking block's signature will be
// accepted upstream. A signature of at least MinSignatureLength always
// qualifies; an empty-text thinking block qualifies with any non-empty
// signature.
func hasValidSignature(b anthropic.ContentBlock) bool {
	if len(b.Signature) >= config.MinSignatureLength {
		return true
	}
	return b.Thinking == "" && b.Signature != ""
}

// SanitizeThinking normalises thinking blocks in conversation history so the
// upstream never sees an unsigned or stale one. It runs in two phases per
// assistant message: first the longest trailing run of invalidly signed
// thinking blocks is removed, then the remaining blocks are normalised in
// place (valid blocks keep their signature and lose cache_control, invalid
// blocks with text degrade to plain text, empty invalid blocks disappear).
// A message left with no blocks gets a single empty text block. Role "model"
// is the Gemini spelling of "assistant" and gets the same treatment.
//
// The result is a fixed point: sanitising twice changes nothing.
func SanitizeThinking(messages []anthropic.Message) []anthropic.Message {
	out := make([]anthropic.Message, len(messages))
	for i, msg := range messages {
		out[i] = msg
		if msg.Role != "assistant" && msg.Role != "model" {
			continue
		}

		blocks := trimTrailingInvalidThinking(msg.Content)

		sanitized := make([]anthropic.ContentBlock, 0, len(blocks))
		for _, b := range blocks {
			if b.Type != "thinking" {
				sanitized = append(sanitized, b)
				continue
			}
			if hasValidSignature(b) {
				b.CacheControl = nil
				sanitized = append(sanitized, b)
				continue
			}
			if b.Thinking != "" {
				sanitized = append(sanitized, anthropic.ContentBlock{Type: "text", Text: b.Thinking})
			}
			// Empty invalid thinking blocks are dropped.
		}

		if len(sanitized) == 0 {
			sanitized = append(sanitized, anthropic.ContentBlock{Type: "text", Text: ""})
		}
		out[i].Content = sanitized
	}
	return out
}

// trimTrailingInvalidThinking drops the longest trailing run of thinking
// blocks whose signatures are invalid.
func trimTrailingInvalidThinking(blocks []anthropic.ContentBlock) []anthropic.ContentBlock {
	end := len(blocks)
	for end > 0 {
		b := blocks[end-1]
		if b.Type == "thinking" && !hasValidSignature(b) {
			end--
			continue
		}
		break
	}
	return blocks[:end]
}
