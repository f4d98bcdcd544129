// Package format converts between the Anthropic and OpenAI dialects and the
// Cloud Code Gemini wire format.
package format

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/antigravity-tools/cloudcode-gateway/internal/config"
)

// GeminiRequest is the inner generateContent request.
type GeminiRequest struct {
	Contents          []GeminiContent   `json:"contents"`
	SystemInstruction *GeminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	Tools             []GeminiTool      `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
	SafetySettings    []SafetySetting   `json:"safetySettings,omitempty"`
}

// GeminiContent is one conversation turn.
type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart is a single typed part of a turn.
type GeminiPart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FileData         *FileData         `json:"fileData,omitempty"`
}

// FunctionCall is a model-issued tool invocation.
type FunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// FunctionResponse carries a tool result back to the model.
type FunctionResponse struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

// InlineData is base64 media embedded in a part.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FileData references media by URI.
type FileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

// GenerationConfig mirrors the request's sampling parameters.
type GenerationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
	ImageConfig     *ImageConfig    `json:"imageConfig,omitempty"`
}

// ThinkingConfig enables thought output.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
}

// ImageConfig configures image generation output.
type ImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

// GeminiTool wraps function declarations.
type GeminiTool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionDeclaration describes one callable tool.
type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolConfig sets the function-calling mode.
type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

// FunctionCallingConfig holds the calling mode (AUTO, ANY, NONE).
type FunctionCallingConfig struct {
	Mode string `json:"mode,omitempty"`
}

// SafetySetting disables one harm category filter.
type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// Envelope is the v1internal wrapper around a GeminiRequest.
type Envelope struct {
	Project     string         `json:"project"`
	RequestID   string         `json:"requestId"`
	Request     *GeminiRequest `json:"request"`
	Model       string         `json:"model"`
	UserAgent   string         `json:"userAgent"`
	RequestType string         `json:"requestType"`
}

// NewEnvelope wraps a request for v1internal with a fresh cli- request id.
func NewEnvelope(project, model, requestType string, req *GeminiRequest) *Envelope {
	return &Envelope{
		Project:     project,
		RequestID:   "cli-" + uuid.NewString(),
		Request:     req,
		Model:       model,
		UserAgent:   config.EnvelopeUserAgent,
		RequestType: requestType,
	}
}

// DefaultSafetySettings turns every harm category filter off.
func DefaultSafetySettings() []SafetySetting {
	settings := make([]SafetySetting, 0, len(config.SafetyCategories))
	for _, cat := range config.SafetyCategories {
		settings = append(settings, SafetySetting{Category: cat, Threshold: "OFF"})
	}
	return settings
}

// Gemini response types.

// GeminiResponse is a unary generateContent response, possibly wrapped in a
// v1internal {response: ...} envelope.
type GeminiResponse struct {
	Response      *GeminiResponseInner `json:"response,omitempty"`
	Candidates    []Candidate          `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata       `json:"usageMetadata,omitempty"`
}

// GeminiResponseInner is the unwrapped response body.
type GeminiResponseInner struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Unwrap returns the candidates and usage regardless of wrapping.
func (r *GeminiResponse) Unwrap() ([]Candidate, *UsageMetadata) {
	if r.Response != nil {
		return r.Response.Candidates, r.Response.UsageMetadata
	}
	return r.Candidates, r.UsageMetadata
}

// Candidate is one response alternative.
type Candidate struct {
	Content      *GeminiContent `json:"content,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
}

// UsageMetadata reports upstream token accounting. promptTokenCount is the
// total including cached content.
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
	TotalTokenCount         int `json:"totalTokenCount,omitempty"`
}
