package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/antigravity-tools/cloudcode-gateway/internal/cloudcode"
	"github.com/antigravity-tools/cloudcode-gateway/internal/token"
	"github.com/antigravity-tools/cloudcode-gateway/internal/utils"
	"github.com/antigravity-tools/cloudcode-gateway/pkg/anthropic"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"accounts": s.manager.Len(),
	})
}

type accountLimits struct {
	token.AccountStatus
	Models []cloudcode.ModelQuota `json:"models,omitempty"`
}

// handleAccountLimits reports pool state, enriched with per-model quota when
// the upstream cooperates. Quota lookups are best-effort: a failing account
// still appears with its scheduling state.
func (s *Server) handleAccountLimits(c *gin.Context) {
	snapshot := s.manager.Snapshot()
	out := make([]accountLimits, 0, len(snapshot))

	for _, st := range snapshot {
		entry := accountLimits{AccountStatus: st}
		if !st.Limited && st.ProjectID != "" {
			if grant, err := s.grantFor(c, st.ID); err == nil {
				quotas, qerr := s.resolver.FetchAvailableModels(c.Request.Context(), grant.AccessToken, st.ProjectID)
				if qerr != nil {
					utils.Debug("[Limits] Quota fetch failed for %s: %v", st.Email, qerr)
				} else {
					entry.Models = quotas
				}
			}
		}
		out = append(out, entry)
	}

	c.JSON(http.StatusOK, gin.H{
		"accounts":   out,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// grantFor fetches fresh credentials for one specific account by scanning
// the pool order. Used only by the limits endpoint.
func (s *Server) grantFor(c *gin.Context, accountID string) (*token.Grant, error) {
	return s.manager.GrantFor(c.Request.Context(), accountID)
}

func (s *Server) handleStats(c *gin.Context) {
	since := time.Now().Add(-24 * time.Hour)
	if window := c.Query("hours"); window != "" {
		if d, err := time.ParseDuration(window + "h"); err == nil && d > 0 {
			since = time.Now().Add(-d)
		}
	}
	summary, err := s.stats.Summarize(c.Request.Context(), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, anthropic.NewErrorResponse("api_error", err.Error()))
		return
	}
	c.JSON(http.StatusOK, summary)
}
