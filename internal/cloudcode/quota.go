package cloudcode

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/tidwall/gjson"
)

const fetchModelsTimeout = 30 * time.Second

// ModelQuota is the remaining allowance for one upstream model.
type ModelQuota struct {
	Model             string  `json:"model"`
	RemainingFraction float64 `json:"remaining_fraction"`
	ResetTime         string  `json:"reset_time,omitempty"`
}

// FetchAvailableModels calls v1internal:fetchAvailableModels for the given
// project and extracts per-model quota information.
func (p *ProjectResolver) FetchAvailableModels(ctx context.Context, accessToken, projectID string) ([]ModelQuota, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchModelsTimeout)
	defer cancel()

	payload := []byte(fmt.Sprintf(`{"project":%q}`, projectID))
	resp, err := p.client.CallV1Internal(ctx, "fetchAvailableModels", accessToken, payload, "")
	if err != nil {
		return nil, fmt.Errorf("fetchAvailableModels: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetchAvailableModels read: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetchAvailableModels HTTP %d: %s", resp.StatusCode, truncateBody(body))
	}

	var quotas []ModelQuota
	gjson.GetBytes(body, "models").ForEach(func(_, m gjson.Result) bool {
		name := m.Get("name").String()
		if name == "" {
			name = m.Get("model").String()
		}
		if name == "" {
			return true
		}
		q := ModelQuota{
			Model:     name,
			ResetTime: m.Get("quotaInfo.resetTime").String(),
		}
		if frac := m.Get("quotaInfo.remainingFraction"); frac.Exists() {
			q.RemainingFraction = frac.Float()
		}
		quotas = append(quotas, q)
		return true
	})
	return quotas, nil
}
