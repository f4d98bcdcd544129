package cloudcode

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchProjectID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1internal:loadProject", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{}`, string(body))
		w.Write([]byte(`{"activeProjectId":"proj-77"}`))
	}))
	defer srv.Close()

	resolver := NewProjectResolver(newTestClient(t, srv.URL+"/v1internal"))
	id, err := resolver.FetchProjectID(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, "proj-77", id)
}

func TestFetchProjectIDMissingField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"somethingElse":true}`))
	}))
	defer srv.Close()

	resolver := NewProjectResolver(newTestClient(t, srv.URL+"/v1internal"))
	_, err := resolver.FetchProjectID(context.Background(), "tok")
	assert.Error(t, err)
}

func TestLoadCodeAssistTierFallback(t *testing.T) {
	cases := []struct {
		name string
		body string
		tier string
	}{
		{"paid tier wins", `{"cloudaicompanionProject":"p","paidTier":{"id":"ULTRA"},"currentTier":{"id":"FREE"}}`, "ULTRA"},
		{"current tier fallback", `{"cloudaicompanionProject":"p","currentTier":{"id":"FREE"}}`, "FREE"},
		{"no tier", `{"cloudaicompanionProject":"p"}`, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1internal:loadCodeAssist", r.URL.Path)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			resolver := NewProjectResolver(newTestClient(t, srv.URL+"/v1internal"))
			project, tier, err := resolver.LoadCodeAssist(context.Background(), "tok")
			require.NoError(t, err)
			assert.Equal(t, "p", project)
			assert.Equal(t, tc.tier, tier)
		})
	}
}

func TestFetchAvailableModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1internal:fetchAvailableModels", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"project":"proj-1"}`, string(body))
		w.Write([]byte(`{"models":[
			{"name":"gemini-2.5-flash","quotaInfo":{"remainingFraction":0.8,"resetTime":"2026-08-26T00:00:00Z"}},
			{"name":"gemini-3-pro-image","quotaInfo":{"remainingFraction":0.25}}
		]}`))
	}))
	defer srv.Close()

	resolver := NewProjectResolver(newTestClient(t, srv.URL+"/v1internal"))
	quotas, err := resolver.FetchAvailableModels(context.Background(), "tok", "proj-1")
	require.NoError(t, err)
	require.Len(t, quotas, 2)
	assert.Equal(t, "gemini-2.5-flash", quotas[0].Model)
	assert.InDelta(t, 0.8, quotas[0].RemainingFraction, 1e-9)
	assert.Equal(t, "2026-08-26T00:00:00Z", quotas[0].ResetTime)
}
