package token

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/antigravity-tools/cloudcode-gateway/pkg/anthropic"
)

// SessionID derives a stable session identifier for a request so consecutive
// turns of one conversation land on the same account. An explicit
// metadata.user_id wins; otherwise the model plus the first message's text is
// hashed. Empty means no session affinity.
func SessionID(req *anthropic.MessagesRequest) string {
	if req == nil {
		return ""
	}
	if req.Metadata != nil && req.Metadata.UserID != "" {
		return req.Metadata.UserID
	}
	if len(req.Messages) == 0 {
		return ""
	}

	var firstText string
	for _, block := range req.Messages[0].Content {
		if block.Type == "text" && block.Text != "" {
			firstText = block.Text
			break
		}
	}
	if firstText == "" {
		return ""
	}

	sum := sha256.Sum256([]byte(req.Model + "\x00" + firstText))
	return hex.EncodeToString(sum[:])[:16]
}
