package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/antigravity-tools/cloudcode-gateway/internal/format"
	"github.com/antigravity-tools/cloudcode-gateway/internal/server/sse"
	"github.com/antigravity-tools/cloudcode-gateway/internal/stats"
	"github.com/antigravity-tools/cloudcode-gateway/internal/token"
	"github.com/antigravity-tools/cloudcode-gateway/internal/utils"
	"github.com/antigravity-tools/cloudcode-gateway/pkg/anthropic"
)

// handleMessages serves the Anthropic Messages dialect.
func (s *Server) handleMessages(c *gin.Context) {
	started := time.Now()

	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse("invalid_request_error", "invalid request body: "+err.Error()))
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse("invalid_request_error", "model and messages are required"))
		return
	}

	resolved := s.router.Resolve(req.Model)
	quotaGroup := format.RequestType(resolved, req.Tools)

	inner, err := format.ConvertAnthropicToGemini(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse("invalid_request_error", err.Error()))
		return
	}
	env := format.NewEnvelope("", resolved, quotaGroup, inner)
	sessionID := token.SessionID(&req)

	result, derr := s.dispatch(c.Request.Context(), env, quotaGroup, sessionID, req.Stream)
	if derr != nil {
		s.recordStats(c, stats.Record{
			Route: "/v1/messages", Model: resolved, Status: derr.Status, Duration: time.Since(started),
		})
		c.JSON(derr.Status, anthropic.NewErrorResponse(derr.Type, derr.Message))
		return
	}
	defer result.Response.Body.Close()

	if req.Stream {
		s.streamMessages(c, result, req.Model, resolved, started)
		return
	}

	body, err := io.ReadAll(result.Response.Body)
	if err != nil {
		c.JSON(http.StatusBadGateway, anthropic.NewErrorResponse("api_error", "failed to read upstream response"))
		return
	}
	var upstream format.GeminiResponse
	if err := json.Unmarshal(body, &upstream); err != nil {
		c.JSON(http.StatusBadGateway, anthropic.NewErrorResponse("api_error", "unexpected upstream response"))
		return
	}

	out := format.ConvertGeminiToAnthropic(&upstream, req.Model)
	s.recordStats(c, stats.Record{
		Route:        "/v1/messages",
		Model:        resolved,
		Account:      result.Grant.Email,
		Status:       http.StatusOK,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
		Duration:     time.Since(started),
	})
	c.JSON(http.StatusOK, out)
}

// streamMessages relays the upstream SSE stream as Anthropic events. A
// mid-stream failure is surfaced as a terminal error frame rather than a
// broken connection.
func (s *Server) streamMessages(c *gin.Context, result *upstreamResult, clientModel, resolved string, started time.Time) {
	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, anthropic.NewErrorResponse("api_error", err.Error()))
		return
	}
	writer.WriteHeaders()

	events, errs := format.StreamGeminiToAnthropic(result.Response.Body, clientModel)

	var usage anthropic.Usage
	for ev := range events {
		if delta, ok := ev.Data.(anthropic.MessageDeltaEvent); ok && delta.Usage != nil {
			usage = *delta.Usage
		}
		if err := writer.WriteEvent(ev.Event, ev.Data); err != nil {
			utils.Debug("[Stream] Client gone: %v", err)
			return
		}
	}

	status := http.StatusOK
	if streamErr := <-errs; streamErr != nil {
		utils.Warn("[Stream] Upstream failed mid-stream: %v", streamErr)
		_ = writer.WriteEvent("error", anthropic.NewErrorResponse("api_error", "upstream stream interrupted"))
		status = http.StatusBadGateway
	}

	s.recordStats(c, stats.Record{
		Route:        "/v1/messages",
		Model:        resolved,
		Account:      result.Grant.Email,
		Status:       status,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Duration:     time.Since(started),
	})
}

func (s *Server) recordStats(c *gin.Context, rec stats.Record) {
	s.stats.Add(c.Request.Context(), rec)
}
