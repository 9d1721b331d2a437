package gen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAIClient implements Generator against the OpenAI chat completions
// API. A custom base URL allows pointing it at any compatible backend.
type OpenAIClient struct {
	client openai.Client
	model  string
}

var _ Generator = (*OpenAIClient)(nil)

func NewOpenAIClient(apiKey, baseURL, model string) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// complete runs one system+user chat completion and returns the trimmed
// message content.
func (c *OpenAIClient) complete(ctx context.Context, system, user string) (string, error) {
	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Model:       c.model,
		Temperature: openai.Float(0.7),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("%w: model returned no choices", ErrGeneration)
	}
	out := strings.TrimSpace(completion.Choices[0].Message.Content)
	if out == "" {
		return "", fmt.Errorf("%w: model returned empty content", ErrGeneration)
	}
	return out, nil
}

func (c *OpenAIClient) Facts(ctx context.Context, topic string, count int) ([]string, error) {
	system := "You are a helpful assistant. Output JSON that matches the schema exactly. " +
		"Keep each fact <= 200 characters, factual, and non-overlapping."
	user := fmt.Sprintf("Generate %d concise, interesting facts about '%s'. "+
		"Return ONLY a JSON array of strings. No prose or extra keys.", count, topic)

	raw, err := c.complete(ctx, system, user)
	if err != nil {
		return nil, err
	}
	facts := parseFactList(raw)
	if len(facts) == 0 {
		return nil, fmt.Errorf("%w: model did not return a valid JSON array", ErrGeneration)
	}
	return dedupeFacts(facts, count), nil
}

func (c *OpenAIClient) Expansion(ctx context.Context, topic, brief, style string) (string, error) {
	system := "You write concise, factual, readable expansions. " +
		"Do not repeat the original line verbatim; build on it. " +
		"Keep ~160-220 words, plain text (no JSON/markdown)."
	user := fmt.Sprintf("Subject: %s\nBrief fact: %s\n"+
		"Expand this into a short, engaging mini-article suitable for an info card detail. "+
		"Stay factual and self-contained.", topic, brief)
	if style != "" {
		user += " Style hint: " + style
	}

	out, err := c.complete(ctx, system, user)
	if err != nil {
		return "", err
	}
	return truncate(out, maxExpansionLen), nil
}

func (c *OpenAIClient) Followup(ctx context.Context, topic, text string) (string, error) {
	system := "You generate single-line interesting facts. Output only one short line (<= 200 chars)."
	user := fmt.Sprintf("Original topic: %s\nOriginal text: %s\n"+
		"Create one new, distinct, interesting line closely related to this topic.", topic, text)

	out, err := c.complete(ctx, system, user)
	if err != nil {
		return "", err
	}
	return truncate(out, maxLineLen), nil
}

// parseFactList decodes a JSON array of strings, falling back to the first
// balanced [...] block when the model wrapped the array in prose.
func parseFactList(raw string) []string {
	if facts := decodeStringArray(raw); facts != nil {
		return facts
	}
	if sub := extractJSONArray(raw); sub != "" {
		return decodeStringArray(sub)
	}
	return nil
}

func decodeStringArray(raw string) []string {
	var arr []string
	if err := json.Unmarshal([]byte(raw), &arr); err != nil {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, s := range arr {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// extractJSONArray returns the first bracket-balanced array in text, or "".
func extractJSONArray(text string) string {
	start := strings.IndexByte(text, '[')
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// dedupeFacts trims, truncates and deduplicates facts, keeping order, up to
// count entries.
func dedupeFacts(facts []string, count int) []string {
	seen := make(map[string]struct{}, len(facts))
	out := make([]string, 0, count)
	for _, f := range facts {
		t := truncate(strings.TrimSpace(f), maxLineLen)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) >= count {
			break
		}
	}
	return out
}
