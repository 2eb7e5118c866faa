// Package summarize sends formatted message chunks to an OpenAI-compatible
// chat completion endpoint and returns the report with its citations.
// The client never retries: every call is charged against the caller's
// quota, so retry decisions stay with the scheduler.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// DefaultBaseURL is Gemini's OpenAI-compatible endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

const (
	defaultModel     = "gemini-2.0-flash"
	defaultMaxTokens = 8192
	defaultTimeout   = 5 * time.Minute
)

// Config configures the summarizer client.
type Config struct {
	APIKey          string        `yaml:"api_key"`
	BaseURL         string        `yaml:"base_url"`
	Model           string        `yaml:"model"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`
	Timeout         time.Duration `yaml:"timeout"`
}

// Citation is one "[timestamp] @user" reference found in a report.
type Citation struct {
	Timestamp string `json:"timestamp"`
	Username  string `json:"username"`
	Full      string `json:"full_citation"`
}

// Report is the summarizer's answer for one chunk.
type Report struct {
	Text             string     `json:"text"`
	Citations        []Citation `json:"citations"`
	Model            string     `json:"model"`
	PromptTokens     int64      `json:"prompt_tokens"`
	CompletionTokens int64      `json:"completion_tokens"`
}

type chatCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Client is the chat completion summarizer.
type Client struct {
	completions chatCompletions
	model       string
	maxTokens   int
}

// New builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("summarize: api key required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(timeout),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	client := openai.NewClient(opts...)

	c := &Client{completions: &client.Chat.Completions, model: cfg.Model, maxTokens: cfg.MaxOutputTokens}
	if c.model == "" {
		c.model = defaultModel
	}
	if c.maxTokens <= 0 {
		c.maxTokens = defaultMaxTokens
	}
	return c, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Analyze sends one chunk of formatted message lines followed by the
// analysis instructions. An empty instructions string uses
// DefaultInstructions.
func (c *Client) Analyze(ctx context.Context, chunkText, instructions string) (*Report, error) {
	if strings.TrimSpace(instructions) == "" {
		instructions = DefaultInstructions
	}
	params := openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(c.model),
		MaxCompletionTokens: openai.Int(int64(c.maxTokens)),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(SystemPrompt),
			openai.UserMessage("Messages to analyze:\n" + chunkText + "\n\n" + instructions),
		},
	}

	completion, err := c.completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("summarize: %s: status %d: %w", c.model, apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("summarize: %s: %w", c.model, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("summarize: %s: empty response", c.model)
	}

	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	if text == "" {
		return nil, fmt.Errorf("summarize: %s: empty report", c.model)
	}
	model := completion.Model
	if model == "" {
		model = c.model
	}
	return &Report{
		Text:             text,
		Citations:        ExtractCitations(text),
		Model:            model,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
	}, nil
}

var citationRe = regexp.MustCompile(`\[(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} UTC)\] @([^\s\]\),;:]+)`)

// ExtractCitations finds every "[YYYY-MM-DD HH:MM:SS UTC] @user" reference
// in text, in order of appearance.
func ExtractCitations(text string) []Citation {
	matches := citationRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]Citation, 0, len(matches))
	for _, m := range matches {
		out = append(out, Citation{Timestamp: m[1], Username: m[2], Full: m[0]})
	}
	return out
}
