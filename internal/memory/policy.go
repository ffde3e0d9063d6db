package memory

import "fmt"

// EmbedPolicy selects which text of a conversation is embedded on write.
type EmbedPolicy string

const (
	// PolicyPrompt embeds only the prompt, the same text a later query embeds.
	PolicyPrompt EmbedPolicy = "prompt"
	// PolicyPromptResponse embeds the prompt and the response joined by a newline.
	PolicyPromptResponse EmbedPolicy = "prompt_response"
)

// ParseEmbedPolicy validates a policy name. Empty means PolicyPrompt.
func ParseEmbedPolicy(s string) (EmbedPolicy, error) {
	switch EmbedPolicy(s) {
	case "", PolicyPrompt:
		return PolicyPrompt, nil
	case PolicyPromptResponse:
		return PolicyPromptResponse, nil
	default:
		return "", fmt.Errorf("unknown embed policy %q (want %s or %s)", s, PolicyPrompt, PolicyPromptResponse)
	}
}

// Text returns the text to embed for a conversation.
func (p EmbedPolicy) Text(prompt, response string) string {
	if p == PolicyPromptResponse {
		return prompt + "\n" + response
	}
	return prompt
}
