package format

import (
	"strings"

	"github.com/antigravity-tools/cloudcode-gateway/internal/config"
	"github.com/antigravity-tools/cloudcode-gateway/pkg/anthropic"
)

// Built-in routing tables. Custom entries from configuration are consulted
// first, then the OpenAI names, then the Anthropic names.
var openaiModelMap = map[string]string{
	"gpt-4o":        "gemini-3-pro-preview",
	"gpt-4o-mini":   "gemini-2.5-flash",
	"gpt-4-turbo":   "gemini-3-pro-preview",
	"gpt-4.1":       "gemini-3-pro-preview",
	"gpt-4.1-mini":  "gemini-2.5-flash",
	"gpt-3.5-turbo": "gemini-2.5-flash",
	"o3":            "gemini-3-pro-preview",
	"o4-mini":       "gemini-2.5-flash",
}

var anthropicModelMap = map[string]string{
	"claude-3-5-haiku-20241022":  "gemini-2.5-flash",
	"claude-3-5-sonnet-20241022": "gemini-3-pro-preview",
	"claude-sonnet-4-20250514":   "gemini-3-pro-preview",
	"claude-sonnet-4-5":          "gemini-3-pro-preview",
	"claude-opus-4-20250514":     "gemini-3-pro-preview",
	"claude-opus-4-1":            "gemini-3-pro-preview",
}

// Router resolves client model names onto upstream Gemini models.
type Router struct {
	custom map[string]string
}

// NewRouter builds a Router with operator-supplied overrides.
func NewRouter(custom map[string]string) *Router {
	return &Router{custom: custom}
}

// Resolve maps a requested model name to the upstream model. Exact table
// hits win; names already shaped like upstream models (gemini-*, models/*)
// or unmapped claude-* names pass through untouched; anything else falls to
// the default model.
func (r *Router) Resolve(model string) string {
	if model == "" {
		return config.DefaultModel
	}
	if mapped, ok := r.custom[model]; ok {
		return mapped
	}
	if mapped, ok := openaiModelMap[model]; ok {
		return mapped
	}
	if mapped, ok := anthropicModelMap[model]; ok {
		return mapped
	}
	if strings.HasPrefix(model, "gemini-") ||
		strings.HasPrefix(model, "models/") ||
		strings.HasPrefix(model, "claude-") {
		return model
	}
	return config.DefaultModel
}

// RequestType classifies a request for the envelope and quota accounting:
// image generation goes to the image_gen group, everything else is text.
func RequestType(resolvedModel string, tools []anthropic.Tool) string {
	if resolvedModel == config.ImageModel {
		return config.RequestTypeImageGen
	}
	for _, t := range tools {
		if strings.Contains(strings.ToLower(t.Name), "image_gen") ||
			strings.Contains(strings.ToLower(t.Name), "generate_image") {
			return config.RequestTypeImageGen
		}
	}
	return config.RequestTypeText
}

// KnownModels lists the names the gateway advertises on /v1/models.
func KnownModels() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	add(config.DefaultModel)
	add(config.ImageModel)
	add("gemini-3-pro-preview")
	for name := range openaiModelMap {
		add(name)
	}
	for name := range anthropicModelMap {
		add(name)
	}
	return out
}
