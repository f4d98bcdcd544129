package format

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/antigravity-tools/cloudcode-gateway/pkg/anthropic"
)

// ConvertOpenAIToGemini translates an OpenAI chat completions body (raw
// JSON) into the inner Gemini request. The outer body stays loose JSON: the
// OpenAI dialect has too many tolerated shapes to type profitably.
func ConvertOpenAIToGemini(body []byte) (*GeminiRequest, error) {
	out := &GeminiRequest{SafetySettings: DefaultSafetySettings()}

	var systemParts []string
	toolNames := make(map[string]string)

	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() {
		return nil, fmt.Errorf("messages must be an array")
	}

	messages.ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		switch role {
		case "system", "developer":
			if text := openaiContentText(msg.Get("content")); text != "" {
				systemParts = append(systemParts, text)
			}
		case "user":
			parts := openaiUserParts(msg.Get("content"))
			if len(parts) > 0 {
				out.Contents = append(out.Contents, GeminiContent{Role: "user", Parts: parts})
			}
		case "assistant":
			parts := openaiAssistantParts(msg, toolNames)
			if len(parts) > 0 {
				out.Contents = append(out.Contents, GeminiContent{Role: "model", Parts: parts})
			}
		case "tool":
			callID := msg.Get("tool_call_id").String()
			name := toolNames[callID]
			if name == "" {
				name = "unknown_tool"
			}
			payload, _ := json.Marshal(map[string]interface{}{
				"result": openaiContentText(msg.Get("content")),
			})
			out.Contents = append(out.Contents, GeminiContent{
				Role: "user",
				Parts: []GeminiPart{{FunctionResponse: &FunctionResponse{
					ID:       callID,
					Name:     name,
					Response: payload,
				}}},
			})
		}
		return true
	})

	if len(systemParts) > 0 {
		out.SystemInstruction = &GeminiContent{
			Parts: []GeminiPart{{Text: strings.Join(systemParts, "\n\n")}},
		}
	}

	out.GenerationConfig = openaiGenerationConfig(body)

	if tools := gjson.GetBytes(body, "tools"); tools.IsArray() {
		var decls []FunctionDeclaration
		tools.ForEach(func(_, tool gjson.Result) bool {
			fn := tool.Get("function")
			if !fn.Exists() {
				return true
			}
			decl := FunctionDeclaration{
				Name:        CleanToolName(fn.Get("name").String()),
				Description: fn.Get("description").String(),
			}
			if params := fn.Get("parameters"); params.Exists() {
				decl.Parameters = sanitizeSchema(json.RawMessage(params.Raw))
			}
			decls = append(decls, decl)
			return true
		})
		if len(decls) > 0 {
			out.Tools = []GeminiTool{{FunctionDeclarations: decls}}
		}
	}

	return out, nil
}

// openaiContentText flattens a string-or-parts content field to text.
func openaiContentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var sb strings.Builder
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				sb.WriteString(part.Get("text").String())
			}
			return true
		})
		return sb.String()
	}
	return ""
}

func openaiUserParts(content gjson.Result) []GeminiPart {
	if content.Type == gjson.String {
		if content.String() == "" {
			return nil
		}
		return []GeminiPart{{Text: content.String()}}
	}
	var parts []GeminiPart
	content.ForEach(func(_, part gjson.Result) bool {
		switch part.Get("type").String() {
		case "text":
			parts = append(parts, GeminiPart{Text: part.Get("text").String()})
		case "image_url":
			url := part.Get("image_url.url").String()
			if mime, data, ok := parseDataURL(url); ok {
				parts = append(parts, GeminiPart{InlineData: &InlineData{MimeType: mime, Data: data}})
			} else if url != "" {
				parts = append(parts, GeminiPart{FileData: &FileData{FileURI: url}})
			}
		}
		return true
	})
	return parts
}

func openaiAssistantParts(msg gjson.Result, toolNames map[string]string) []GeminiPart {
	var parts []GeminiPart
	if text := openaiContentText(msg.Get("content")); text != "" {
		parts = append(parts, GeminiPart{Text: text})
	}
	msg.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
		id := call.Get("id").String()
		name := CleanToolName(call.Get("function.name").String())
		toolNames[id] = name
		args := call.Get("function.arguments").String()
		if args == "" || !gjson.Valid(args) {
			args = "{}"
		}
		parts = append(parts, GeminiPart{FunctionCall: &FunctionCall{
			ID:   id,
			Name: name,
			Args: json.RawMessage(args),
		}})
		return true
	})
	return parts
}

// parseDataURL splits a data:<mime>;base64,<payload> URL.
func parseDataURL(url string) (mime, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(url, "data:")
	idx := strings.Index(rest, ";base64,")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+len(";base64,"):], true
}

func openaiGenerationConfig(body []byte) *GenerationConfig {
	cfg := &GenerationConfig{}
	if v := gjson.GetBytes(body, "temperature"); v.Exists() {
		f := v.Float()
		cfg.Temperature = &f
	}
	if v := gjson.GetBytes(body, "top_p"); v.Exists() {
		f := v.Float()
		cfg.TopP = &f
	}
	if v := gjson.GetBytes(body, "max_completion_tokens"); v.Exists() {
		cfg.MaxOutputTokens = int(v.Int())
	} else if v := gjson.GetBytes(body, "max_tokens"); v.Exists() {
		cfg.MaxOutputTokens = int(v.Int())
	}
	if stop := gjson.GetBytes(body, "stop"); stop.Exists() {
		if stop.Type == gjson.String {
			cfg.StopSequences = []string{stop.String()}
		} else if stop.IsArray() {
			stop.ForEach(func(_, s gjson.Result) bool {
				cfg.StopSequences = append(cfg.StopSequences, s.String())
				return true
			})
		}
	}
	return cfg
}

// openaiFinishReason maps finish reasons onto the OpenAI vocabulary.
func openaiFinishReason(finishReason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch finishReason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY":
		return "content_filter"
	default:
		return "stop"
	}
}

// ConvertGeminiToOpenAI turns a unary Gemini response into an OpenAI chat
// completion object.
func ConvertGeminiToOpenAI(resp *GeminiResponse, model string) map[string]interface{} {
	candidates, usage := resp.Unwrap()

	var parts []GeminiPart
	var finishReason string
	if len(candidates) > 0 {
		finishReason = candidates[0].FinishReason
		if candidates[0].Content != nil {
			parts = candidates[0].Content.Parts
		}
	}

	var content, reasoning strings.Builder
	var toolCalls []map[string]interface{}
	for _, part := range parts {
		switch {
		case part.FunctionCall != nil:
			args := "{}"
			if len(part.FunctionCall.Args) > 0 {
				args = string(part.FunctionCall.Args)
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = "call_" + anthropic.RandomHex(12)
			}
			toolCalls = append(toolCalls, map[string]interface{}{
				"id":   id,
				"type": "function",
				"function": map[string]interface{}{
					"name":      part.FunctionCall.Name,
					"arguments": args,
				},
			})
		case part.Thought:
			reasoning.WriteString(part.Text)
		case part.Text != "":
			content.WriteString(part.Text)
		}
	}

	message := map[string]interface{}{
		"role":    "assistant",
		"content": content.String(),
	}
	if reasoning.Len() > 0 {
		message["reasoning_content"] = reasoning.String()
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	out := map[string]interface{}{
		"id":      "chatcmpl-" + anthropic.RandomHex(12),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       message,
			"finish_reason": openaiFinishReason(finishReason, len(toolCalls) > 0),
		}},
	}
	if usage != nil {
		out["usage"] = map[string]interface{}{
			"prompt_tokens":     usage.PromptTokenCount,
			"completion_tokens": usage.CandidatesTokenCount,
			"total_tokens":      usage.PromptTokenCount + usage.CandidatesTokenCount,
		}
	}
	return out
}

// StreamGeminiToOpenAI reads a Gemini SSE body and emits OpenAI chat chunk
// payloads (already marshalled). The handler writes each as a data: frame
// and terminates with [DONE].
func StreamGeminiToOpenAI(body io.Reader, model string) (<-chan json.RawMessage, <-chan error) {
	chunks := make(chan json.RawMessage, 16)
	errs := make(chan error, 1)

	events, streamErrs := StreamGeminiToAnthropic(body, model)
	chatID := "chatcmpl-" + anthropic.RandomHex(12)
	created := time.Now().Unix()

	go func() {
		defer close(chunks)
		defer close(errs)

		emit := func(delta map[string]interface{}, finish interface{}) {
			payload, err := json.Marshal(map[string]interface{}{
				"id":      chatID,
				"object":  "chat.completion.chunk",
				"created": created,
				"model":   model,
				"choices": []map[string]interface{}{{
					"index":         0,
					"delta":         delta,
					"finish_reason": finish,
				}},
			})
			if err == nil {
				chunks <- payload
			}
		}

		emit(map[string]interface{}{"role": "assistant"}, nil)
		toolIndex := -1
		for ev := range events {
			switch data := ev.Data.(type) {
			case anthropic.ContentBlockStartEvent:
				if data.ContentBlock.Type == "tool_use" {
					toolIndex++
					emit(map[string]interface{}{
						"tool_calls": []map[string]interface{}{{
							"index": toolIndex,
							"id":    data.ContentBlock.ID,
							"type":  "function",
							"function": map[string]interface{}{
								"name":      data.ContentBlock.Name,
								"arguments": "",
							},
						}},
					}, nil)
				}
			case anthropic.ContentBlockDeltaEvent:
				switch data.Delta.Type {
				case "text_delta":
					emit(map[string]interface{}{"content": data.Delta.Text}, nil)
				case "thinking_delta":
					emit(map[string]interface{}{"reasoning_content": data.Delta.Thinking}, nil)
				case "input_json_delta":
					emit(map[string]interface{}{
						"tool_calls": []map[string]interface{}{{
							"index": toolIndex,
							"function": map[string]interface{}{
								"arguments": data.Delta.PartialJSON,
							},
						}},
					}, nil)
				}
			case anthropic.MessageDeltaEvent:
				finish := "stop"
				switch data.Delta.StopReason {
				case "max_tokens":
					finish = "length"
				case "tool_use":
					finish = "tool_calls"
				}
				emit(map[string]interface{}{}, finish)
			}
		}
		if err := <-streamErrs; err != nil {
			errs <- err
		}
	}()

	return chunks, errs
}

// ExtractInlineImages pulls base64 image payloads out of a unary response,
// for the images generation endpoint.
func ExtractInlineImages(resp *GeminiResponse) []string {
	candidates, _ := resp.Unwrap()
	var images []string
	for _, cand := range candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData != nil && part.InlineData.Data != "" {
				images = append(images, part.InlineData.Data)
			}
		}
	}
	return images
}
