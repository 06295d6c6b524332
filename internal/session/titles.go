package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// Titler names a run from its first input.
type Titler interface {
	Title(ctx context.Context, text string) (string, error)
}

const titleSystemPrompt = "You name terminal sessions. Given the user's first message, reply with a title of at most 8 words. Reply with the title only: no quotes, no punctuation at the end."

// maxTitleInput bounds how much of the first input is sent for titling.
const maxTitleInput = 2000

// AnthropicTitler titles runs via the Anthropic Messages API.
type AnthropicTitler struct {
	// Model is an Anthropic model identifier (e.g. "claude-haiku-4-5").
	Model string
}

// Title implements Titler.
func (t *AnthropicTitler) Title(ctx context.Context, text string) (string, error) {
	if len(text) > maxTitleInput {
		text = text[:maxTitleInput]
	}

	client := anthropic.NewClient()
	msg, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(t.Model),
		MaxTokens: 50,
		System: []anthropic.TextBlockParam{
			{Text: titleSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			return clampTitle(block.Text), nil
		}
	}
	return "", fmt.Errorf("no text block in response")
}

// clampTitle enforces the 8-word cap even when the model ignores it.
func clampTitle(s string) string {
	words := strings.Fields(strings.TrimSpace(s))
	if len(words) > 8 {
		words = words[:8]
	}
	return strings.Join(words, " ")
}
