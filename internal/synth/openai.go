package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/ashita-ai/keiyaku/internal/model"
)

// OpenAIGenerator implements Generator against the OpenAI chat-completions
// API. Every call carries a bounded timeout; callers absorb any failure by
// falling back to deterministic synthesis.
type OpenAIGenerator struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIGenerator creates an OpenAI-backed generator. baseURL may be empty
// for the default endpoint; model defaults to gpt-4o-mini.
func NewOpenAIGenerator(apiKey, baseURL, chatModel string, timeout time.Duration) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("synth: OpenAI API key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if chatModel == "" {
		chatModel = openai.GPT4oMini
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIGenerator{
		client:  openai.NewClientWithConfig(cfg),
		model:   chatModel,
		timeout: timeout,
	}, nil
}

// generatorEnvelope is the JSON contract the model must produce.
type generatorEnvelope struct {
	Documents []model.UntrustedDoc `json:"documents"`
}

// Generate calls the chat-completions API and parses the response as a
// ten-document envelope. Returns an error on any transport failure or when
// the response does not parse as the expected shape; shape-level problems
// inside individual documents are left for shape enforcement.
func (g *OpenAIGenerator) Generate(ctx context.Context, input GenerateInput) ([]model.UntrustedDoc, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	evidence, err := json.Marshal(map[string]any{
		"roles":     input.Roles,
		"turns":     input.Turns,
		"decisions": input.Decisions,
	})
	if err != nil {
		return nil, fmt.Errorf("synth: marshal generator input: %w", err)
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: "You write role-scoped planning documents from founder intake evidence. " +
					"Respond with a single JSON object {\"documents\": [...]} and nothing else.\nRules:\n- " +
					strings.Join(input.Rules, "\n- "),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: string(evidence),
			},
		},
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("synth: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("synth: chat completion returned no choices")
	}

	var envelope generatorEnvelope
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &envelope); err != nil {
		return nil, fmt.Errorf("synth: parse generator response: %w", err)
	}
	return envelope.Documents, nil
}
