package format

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/antigravity-tools/cloudcode-gateway/pkg/anthropic"
)

var toolNameInvalidChars = regexp.MustCompile(`[^a-zA-Z0-9_.\-]`)

// ConvertAnthropicToGemini translates a Messages request into the inner
// Gemini request. History is sanitised first so no unsigned thinking blocks
// reach the upstream.
func ConvertAnthropicToGemini(req *anthropic.MessagesRequest) (*GeminiRequest, error) {
	messages := SanitizeThinking(req.Messages)

	out := &GeminiRequest{
		SafetySettings: DefaultSafetySettings(),
	}

	if sys := systemText(req.System); sys != "" {
		out.SystemInstruction = &GeminiContent{
			Parts: []GeminiPart{{Text: sys}},
		}
	}

	// Tool names are cleaned for Gemini; remember id->name so tool results
	// can reference the declared name.
	toolNames := make(map[string]string)

	for _, msg := range messages {
		role := "user"
		if msg.Role == "assistant" || msg.Role == "model" {
			role = "model"
		}
		parts, err := convertBlocks(msg.Content, toolNames)
		if err != nil {
			return nil, err
		}
		if len(parts) == 0 {
			continue
		}
		out.Contents = append(out.Contents, GeminiContent{Role: role, Parts: parts})
	}

	out.GenerationConfig = buildGenerationConfig(req)

	if len(req.Tools) > 0 {
		decls := make([]FunctionDeclaration, 0, len(req.Tools))
		for _, tool := range req.Tools {
			decls = append(decls, FunctionDeclaration{
				Name:        CleanToolName(tool.Name),
				Description: tool.Description,
				Parameters:  sanitizeSchema(tool.InputSchema),
			})
		}
		out.Tools = []GeminiTool{{FunctionDeclarations: decls}}
	}

	if mode := toolChoiceMode(req.ToolChoice); mode != "" {
		out.ToolConfig = &ToolConfig{
			FunctionCallingConfig: &FunctionCallingConfig{Mode: mode},
		}
	}

	return out, nil
}

func convertBlocks(blocks []anthropic.ContentBlock, toolNames map[string]string) ([]GeminiPart, error) {
	cache := Signatures()
	var parts []GeminiPart

	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, GeminiPart{Text: b.Text})

		case "thinking":
			parts = append(parts, GeminiPart{
				Text:             b.Thinking,
				Thought:          true,
				ThoughtSignature: b.Signature,
			})

		case "image", "document":
			if b.Source == nil {
				continue
			}
			switch b.Source.Type {
			case "base64":
				parts = append(parts, GeminiPart{InlineData: &InlineData{
					MimeType: b.Source.MediaType,
					Data:     b.Source.Data,
				}})
			case "url":
				parts = append(parts, GeminiPart{FileData: &FileData{
					MimeType: b.Source.MediaType,
					FileURI:  b.Source.URL,
				}})
			}

		case "tool_use":
			name := CleanToolName(b.Name)
			toolNames[b.ID] = name
			args := b.Input
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			sig := b.ThoughtSignature
			if sig == "" {
				sig = cache.Get(b.ID)
			}
			parts = append(parts, GeminiPart{
				FunctionCall:     &FunctionCall{ID: b.ID, Name: name, Args: args},
				ThoughtSignature: sig,
			})

		case "tool_result":
			name := toolNames[b.ToolUseID]
			if name == "" {
				name = "unknown_tool"
			}
			response, err := toolResultPayload(b)
			if err != nil {
				return nil, err
			}
			parts = append(parts, GeminiPart{FunctionResponse: &FunctionResponse{
				ID:       b.ToolUseID,
				Name:     name,
				Response: response,
			}})

		default:
			// Unknown block types are dropped rather than rejected.
		}
	}
	return parts, nil
}

// toolResultPayload wraps a tool_result's content as {"result": ...}. String
// and block-list contents both collapse to text.
func toolResultPayload(b anthropic.ContentBlock) (json.RawMessage, error) {
	text := toolResultText(b.Content)
	payload := map[string]interface{}{"result": text}
	if b.IsError {
		payload["error"] = true
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return data, nil
}

func toolResultText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var blocks []anthropic.ContentBlock
	if err := json.Unmarshal(content, &blocks); err == nil {
		var sb strings.Builder
		for _, blk := range blocks {
			if blk.Type == "text" {
				sb.WriteString(blk.Text)
			}
		}
		return sb.String()
	}
	return string(content)
}

func buildGenerationConfig(req *anthropic.MessagesRequest) *GenerationConfig {
	cfg := &GenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   req.StopSequences,
	}
	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		cfg.ThinkingConfig = &ThinkingConfig{
			IncludeThoughts: true,
			ThinkingBudget:  req.Thinking.BudgetTokens,
		}
	}
	return cfg
}

func toolChoiceMode(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	switch gjson.GetBytes(raw, "type").String() {
	case "auto":
		return "AUTO"
	case "any", "tool":
		return "ANY"
	case "none":
		return "NONE"
	}
	return ""
}

// systemText flattens the system field (string or block list) to one string.
func systemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropic.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		texts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				texts = append(texts, b.Text)
			}
		}
		return strings.Join(texts, "\n\n")
	}
	return ""
}

// CleanToolName maps arbitrary client tool names onto Gemini's allowed
// charset. The result starts with a letter or underscore.
func CleanToolName(name string) string {
	cleaned := toolNameInvalidChars.ReplaceAllString(name, "_")
	if cleaned == "" {
		return "_tool"
	}
	first := cleaned[0]
	if !(first == '_' || (first >= 'a' && first <= 'z') || (first >= 'A' && first <= 'Z')) {
		cleaned = "_" + cleaned
	}
	const maxLen = 64
	if len(cleaned) > maxLen {
		cleaned = cleaned[:maxLen]
	}
	return cleaned
}

// sanitizeSchema strips JSON Schema constructs Gemini rejects: $schema,
// additionalProperties, and string formats outside enum/date-time. The
// structure is otherwise passed through.
func sanitizeSchema(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var schema map[string]interface{}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return raw
	}
	cleanSchemaMap(schema)
	out, err := json.Marshal(schema)
	if err != nil {
		return raw
	}
	return out
}

func cleanSchemaMap(schema map[string]interface{}) {
	delete(schema, "$schema")
	delete(schema, "additionalProperties")
	delete(schema, "uniqueItems")

	if format, ok := schema["format"].(string); ok {
		if t, _ := schema["type"].(string); t == "string" && format != "enum" && format != "date-time" {
			delete(schema, "format")
		}
	}

	if props, ok := schema["properties"].(map[string]interface{}); ok {
		for _, v := range props {
			if sub, ok := v.(map[string]interface{}); ok {
				cleanSchemaMap(sub)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		cleanSchemaMap(items)
	}
	for _, key := range []string{"anyOf", "allOf", "oneOf"} {
		if list, ok := schema[key].([]interface{}); ok {
			for _, v := range list {
				if sub, ok := v.(map[string]interface{}); ok {
					cleanSchemaMap(sub)
				}
			}
		}
	}
}
