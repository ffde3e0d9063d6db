package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/recall/internal/engine"
	"github.com/kalambet/recall/internal/memory"
)

const defaultMaxContextTokens = 4000

// secondPerson is appended to every personality.
const secondPerson = "Always address the user directly and respond in the second person."

const memoriesHeader = "Here are some past relevant conversations:\n"

// Composer assembles the chat turns sent to the model: a system message
// built from the personality and the retrieved memories, then the user's
// prompt.
type Composer struct {
	MaxContextTokens int
}

// New creates a Composer with the given token budget for injected memories.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Compose returns the system and user messages for prompt. Memories are
// expected nearest first; those that do not fit the budget are dropped from
// the far end.
func (c *Composer) Compose(personality string, memories []memory.Memory, prompt string) []engine.Message {
	var sb strings.Builder
	sb.WriteString(personality)
	sb.WriteString("\n")
	sb.WriteString(secondPerson)

	if block := c.memoryBlock(memories); block != "" {
		sb.WriteString("\n")
		sb.WriteString(memoriesHeader)
		sb.WriteString(block)
	}

	return []engine.Message{
		{Role: engine.RoleSystem, Content: sb.String()},
		{Role: engine.RoleUser, Content: prompt},
	}
}

func (c *Composer) memoryBlock(memories []memory.Memory) string {
	remaining := c.MaxContextTokens - EstimateTokens(memoriesHeader)
	var sb strings.Builder
	for _, m := range memories {
		entry := formatMemory(m)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			break
		}
		sb.WriteString(entry)
		remaining -= tokens
	}
	return sb.String()
}

func formatMemory(m memory.Memory) string {
	return fmt.Sprintf("Past conversation %d (%s):\nUser: %s\nYou: %s\n\n",
		m.ID, m.CreatedAt.Format("2006-01-02"), m.Prompt, m.Response)
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
