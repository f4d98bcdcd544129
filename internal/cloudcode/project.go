package cloudcode

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/tidwall/gjson"

	"github.com/antigravity-tools/cloudcode-gateway/internal/config"
)

const (
	loadProjectTimeout    = 30 * time.Second
	loadCodeAssistTimeout = 30 * time.Second
)

// ProjectResolver resolves the Cloud Code project id and subscription tier
// for an account's access token.
type ProjectResolver struct {
	client *UpstreamClient
}

// NewProjectResolver wraps the shared upstream client.
func NewProjectResolver(client *UpstreamClient) *ProjectResolver {
	return &ProjectResolver{client: client}
}

// FetchProjectID calls v1internal:loadProject and returns activeProjectId.
func (p *ProjectResolver) FetchProjectID(ctx context.Context, accessToken string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, loadProjectTimeout)
	defer cancel()

	resp, err := p.client.CallV1Internal(ctx, "loadProject", accessToken, []byte("{}"), "")
	if err != nil {
		return "", fmt.Errorf("loadProject: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("loadProject read: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("loadProject HTTP %d: %s", resp.StatusCode, truncateBody(body))
	}

	projectID := gjson.GetBytes(body, "activeProjectId").String()
	if projectID == "" {
		return "", fmt.Errorf("loadProject response missing activeProjectId")
	}
	return projectID, nil
}

// LoadCodeAssist calls v1internal:loadCodeAssist and returns the account's
// project id and subscription tier. The tier comes from paidTier.id when
// present, otherwise currentTier.id. Failures here are soft; callers treat
// the result as best-effort enrichment.
func (p *ProjectResolver) LoadCodeAssist(ctx context.Context, accessToken string) (projectID, tier string, err error) {
	ctx, cancel := context.WithTimeout(ctx, loadCodeAssistTimeout)
	defer cancel()

	payload := []byte(fmt.Sprintf(`{"metadata":{"ideType":%q}}`, config.EnvelopeIDEType))
	resp, err := p.client.CallV1Internal(ctx, "loadCodeAssist", accessToken, payload, "")
	if err != nil {
		return "", "", fmt.Errorf("loadCodeAssist: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("loadCodeAssist read: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("loadCodeAssist HTTP %d: %s", resp.StatusCode, truncateBody(body))
	}

	projectID = gjson.GetBytes(body, "cloudaicompanionProject").String()
	tier = gjson.GetBytes(body, "paidTier.id").String()
	if tier == "" {
		tier = gjson.GetBytes(body, "currentTier.id").String()
	}
	return projectID, tier, nil
}

func truncateBody(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}
