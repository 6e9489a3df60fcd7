package providers

const (
	deepseekDefaultBase  = "https://api.deepseek.com/v1"
	deepseekDefaultModel = "deepseek-chat"
)

// DeepSeekProvider targets the DeepSeek chat API.
type DeepSeekProvider struct {
	*OpenAIProvider
}

func NewDeepSeekProvider(apiKey, apiBase, defaultModel string) *DeepSeekProvider {
	if apiBase == "" {
		apiBase = deepseekDefaultBase
	}
	if defaultModel == "" {
		defaultModel = deepseekDefaultModel
	}
	return &DeepSeekProvider{
		OpenAIProvider: NewOpenAIProvider("deepseek", apiKey, apiBase, defaultModel),
	}
}
