// Package config holds runtime configuration and build-time constants for the
// Cloud Code gateway.
package config

// Google OAuth client used for refreshing account tokens. These identify the
// Antigravity desktop client; accounts are authorised against it out of band.
const (
	OAuthClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	OAuthClientSecret = "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"
	OAuthTokenURL     = "https://oauth2.googleapis.com/token"
)

// Cloud Code v1internal endpoints, in fallback order.
var V1InternalBaseURLs = []string{
	"https://cloudcode-pa.googleapis.com/v1internal",
	"https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal",
}

// Upstream request identity.
const (
	UpstreamUserAgent = "antigravity/1.11.9 cli"
	EnvelopeUserAgent = "antigravity"
	EnvelopeIDEType   = "ANTIGRAVITY"
)

// Request types carried in the v1internal envelope. They double as quota
// groups for scheduling.
const (
	RequestTypeText     = "text"
	RequestTypeImageGen = "image_gen"
)

// Model routing defaults.
const (
	DefaultModel = "gemini-2.5-flash"
	ImageModel   = "gemini-3-pro-image"
)

// Token lifecycle.
const (
	// TokenRefreshLeewaySecs refreshes access tokens this many seconds
	// before their recorded expiry.
	TokenRefreshLeewaySecs = 300

	// MinSignatureLength is the shortest thoughtSignature treated as valid.
	MinSignatureLength = 10
)

// Scheduling.
const (
	// StickyWindowSecs keeps requests on the last-used account for this long.
	StickyWindowSecs = 60

	// SessionBindingTTLSecs bounds the session->account binding cache.
	SessionBindingTTLSecs = 3600

	DefaultMaxWaitSeconds = 30
)

// Gemini safety categories disabled on every upstream request.
var SafetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
}
