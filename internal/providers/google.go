package providers

const (
	googleDefaultBase  = "https://generativelanguage.googleapis.com/v1beta/openai"
	googleDefaultModel = "gemini-2.0-flash"
)

// GoogleProvider runs Gemini models through Google's OpenAI
// compatibility endpoint.
type GoogleProvider struct {
	*OpenAIProvider
}

func NewGoogleProvider(apiKey, apiBase, defaultModel string) *GoogleProvider {
	if apiBase == "" {
		apiBase = googleDefaultBase
	}
	if defaultModel == "" {
		defaultModel = googleDefaultModel
	}
	return &GoogleProvider{
		OpenAIProvider: NewOpenAIProvider("google", apiKey, apiBase, defaultModel),
	}
}
