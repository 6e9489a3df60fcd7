package providers

// New builds the provider for a configured name. Known names get their
// pinned defaults; anything else is treated as a generic
// OpenAI-compatible endpoint at baseURL.
func New(name, apiKey, baseURL, defaultModel string) Provider {
	switch name {
	case "google", "gemini":
		return NewGoogleProvider(apiKey, baseURL, defaultModel)
	case "deepseek":
		return NewDeepSeekProvider(apiKey, baseURL, defaultModel)
	case "openrouter":
		return NewOpenRouterProvider(apiKey, baseURL, defaultModel)
	default:
		return NewOpenAIProvider(name, apiKey, baseURL, defaultModel)
	}
}
