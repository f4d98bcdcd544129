package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/antigravity-tools/cloudcode-gateway/internal/config"
	"github.com/antigravity-tools/cloudcode-gateway/internal/format"
	"github.com/antigravity-tools/cloudcode-gateway/internal/server/sse"
	"github.com/antigravity-tools/cloudcode-gateway/internal/stats"
	"github.com/antigravity-tools/cloudcode-gateway/internal/utils"
	"github.com/antigravity-tools/cloudcode-gateway/pkg/anthropic"
)

func openaiError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"type":    anthropic.ErrorTypeForStatus(status),
		},
	})
}

// handleChatCompletions serves the OpenAI chat dialect.
func (s *Server) handleChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || !gjson.ValidBytes(body) {
		openaiError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	s.serveChat(c, body, "/v1/chat/completions")
}

// handleLegacyCompletions adapts the legacy prompt API onto the chat path.
func (s *Server) handleLegacyCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || !gjson.ValidBytes(body) {
		openaiError(c, http.StatusBadRequest, "invalid request body")
		return
	}

	prompt := gjson.GetBytes(body, "prompt")
	text := prompt.String()
	if prompt.IsArray() && len(prompt.Array()) > 0 {
		text = prompt.Array()[0].String()
	}
	if text == "" {
		openaiError(c, http.StatusBadRequest, "prompt is required")
		return
	}

	body, _ = sjson.DeleteBytes(body, "prompt")
	body, _ = sjson.SetBytes(body, "messages", []map[string]string{
		{"role": "user", "content": text},
	})
	s.serveChat(c, body, "/v1/completions")
}

func (s *Server) serveChat(c *gin.Context, body []byte, route string) {
	started := time.Now()

	clientModel := gjson.GetBytes(body, "model").String()
	resolved := s.router.Resolve(clientModel)
	streaming := gjson.GetBytes(body, "stream").Bool()

	inner, err := format.ConvertOpenAIToGemini(body)
	if err != nil {
		openaiError(c, http.StatusBadRequest, err.Error())
		return
	}

	quotaGroup := config.RequestTypeText
	if resolved == config.ImageModel {
		quotaGroup = config.RequestTypeImageGen
	}
	env := format.NewEnvelope("", resolved, quotaGroup, inner)

	sessionID := gjson.GetBytes(body, "user").String()

	result, derr := s.dispatch(c.Request.Context(), env, quotaGroup, sessionID, streaming)
	if derr != nil {
		s.recordStats(c, stats.Record{Route: route, Model: resolved, Status: derr.Status, Duration: time.Since(started)})
		openaiError(c, derr.Status, derr.Message)
		return
	}
	defer result.Response.Body.Close()

	if streaming {
		writer, err := sse.NewWriter(c.Writer)
		if err != nil {
			openaiError(c, http.StatusInternalServerError, err.Error())
			return
		}
		writer.WriteHeaders()

		chunks, errs := format.StreamGeminiToOpenAI(result.Response.Body, clientModel)
		for chunk := range chunks {
			if err := writer.WriteData(chunk); err != nil {
				utils.Debug("[Stream] Client gone: %v", err)
				return
			}
		}
		if streamErr := <-errs; streamErr != nil {
			utils.Warn("[Stream] Upstream failed mid-stream: %v", streamErr)
		}
		_ = writer.WriteDone()
		s.recordStats(c, stats.Record{Route: route, Model: resolved, Account: result.Grant.Email, Status: http.StatusOK, Duration: time.Since(started)})
		return
	}

	respBody, err := io.ReadAll(result.Response.Body)
	if err != nil {
		openaiError(c, http.StatusBadGateway, "failed to read upstream response")
		return
	}
	var upstream format.GeminiResponse
	if err := json.Unmarshal(respBody, &upstream); err != nil {
		openaiError(c, http.StatusBadGateway, "unexpected upstream response")
		return
	}

	out := format.ConvertGeminiToOpenAI(&upstream, clientModel)
	var inTok, outTok int
	if usage, ok := out["usage"].(map[string]interface{}); ok {
		inTok, _ = usage["prompt_tokens"].(int)
		outTok, _ = usage["completion_tokens"].(int)
	}
	s.recordStats(c, stats.Record{
		Route: route, Model: resolved, Account: result.Grant.Email,
		Status: http.StatusOK, InputTokens: inTok, OutputTokens: outTok,
		Duration: time.Since(started),
	})
	c.JSON(http.StatusOK, out)
}

// handleListModels advertises the routable model names.
func (s *Server) handleListModels(c *gin.Context) {
	now := time.Now().Unix()
	models := format.KnownModels()
	data := make([]gin.H, 0, len(models))
	for _, name := range models {
		data = append(data, gin.H{
			"id":       name,
			"object":   "model",
			"created":  now,
			"owned_by": "google",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// handleImageGenerations serves OpenAI images/generations via the image
// model.
func (s *Server) handleImageGenerations(c *gin.Context) {
	started := time.Now()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil || !gjson.ValidBytes(body) {
		openaiError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	prompt := gjson.GetBytes(body, "prompt").String()
	if prompt == "" {
		openaiError(c, http.StatusBadRequest, "prompt is required")
		return
	}

	inner := &format.GeminiRequest{
		Contents: []format.GeminiContent{{
			Role:  "user",
			Parts: []format.GeminiPart{{Text: prompt}},
		}},
		GenerationConfig: &format.GenerationConfig{
			ImageConfig: &format.ImageConfig{
				AspectRatio: gjson.GetBytes(body, "aspect_ratio").String(),
				ImageSize:   gjson.GetBytes(body, "size").String(),
			},
		},
		SafetySettings: format.DefaultSafetySettings(),
	}
	env := format.NewEnvelope("", config.ImageModel, config.RequestTypeImageGen, inner)

	result, derr := s.dispatch(c.Request.Context(), env, config.RequestTypeImageGen, "", false)
	if derr != nil {
		s.recordStats(c, stats.Record{Route: "/v1/images/generations", Model: config.ImageModel, Status: derr.Status, Duration: time.Since(started)})
		openaiError(c, derr.Status, derr.Message)
		return
	}
	defer result.Response.Body.Close()

	respBody, err := io.ReadAll(result.Response.Body)
	if err != nil {
		openaiError(c, http.StatusBadGateway, "failed to read upstream response")
		return
	}
	var upstream format.GeminiResponse
	if err := json.Unmarshal(respBody, &upstream); err != nil {
		openaiError(c, http.StatusBadGateway, "unexpected upstream response")
		return
	}

	images := format.ExtractInlineImages(&upstream)
	if len(images) == 0 {
		openaiError(c, http.StatusBadGateway, "upstream returned no images")
		return
	}
	data := make([]gin.H, 0, len(images))
	for _, img := range images {
		data = append(data, gin.H{"b64_json": img})
	}
	s.recordStats(c, stats.Record{
		Route: "/v1/images/generations", Model: config.ImageModel,
		Account: result.Grant.Email, Status: http.StatusOK, Duration: time.Since(started),
	})
	c.JSON(http.StatusOK, gin.H{"created": time.Now().Unix(), "data": data})
}

// handleGeminiStub rejects the native Gemini surface explicitly.
func (s *Server) handleGeminiStub(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{
		"error": gin.H{
			"code":    http.StatusNotImplemented,
			"message": "the native Gemini API surface is not implemented; use /v1/messages or /v1/chat/completions",
		},
	})
}
