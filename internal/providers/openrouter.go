package providers

const (
	openrouterDefaultBase  = "https://openrouter.ai/api/v1"
	openrouterDefaultModel = "openrouter/auto"
)

// OpenRouterProvider routes through the OpenRouter aggregator. Model
// ids carry a provider prefix; see resolveModel for the fallback when
// one is missing.
type OpenRouterProvider struct {
	*OpenAIProvider
}

func NewOpenRouterProvider(apiKey, apiBase, defaultModel string) *OpenRouterProvider {
	if apiBase == "" {
		apiBase = openrouterDefaultBase
	}
	if defaultModel == "" {
		defaultModel = openrouterDefaultModel
	}
	return &OpenRouterProvider{
		OpenAIProvider: NewOpenAIProvider("openrouter", apiKey, apiBase, defaultModel),
	}
}
