package llm

import (
	"log/slog"
	"net/http"

	"reskit/internal/infra/config"
)

const (
	openrouterReferer = "RESKIT"
	openrouterTitle   = "ResKit"
)

// openrouterTransport injects OpenRouter attribution headers into every
// request.
type openrouterTransport struct {
	base http.RoundTripper
}

func (t *openrouterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("HTTP-Referer", openrouterReferer)
	clone.Header.Set("X-Title", openrouterTitle)
	return t.base.RoundTrip(clone)
}

// NewOpenRouterProvider creates an OpenAI-compatible gateway for the
// OpenRouter API.
func NewOpenRouterProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	client := NewHTTPClient(cfg)
	client.Transport = &openrouterTransport{base: client.Transport}
	return newOpenAIProvider(cfg, "https://openrouter.ai/api/v1", client, logger)
}
