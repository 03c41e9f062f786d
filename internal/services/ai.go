package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/api/option"

	"flashly/internal/logging"
	"flashly/internal/models"
	"flashly/internal/sanitizer"
)

// GenerationParams is the sampling configuration sent with every model call.
type GenerationParams struct {
	Temperature float32
	TopP        float32
	TopK        int32
	MaxTokens   int32
}

// DefaultGenerationParams mirrors the settings the flashcard prompt was tuned with.
func DefaultGenerationParams() GenerationParams {
	return GenerationParams{
		Temperature: 0.9,
		TopP:        1,
		TopK:        1,
		MaxTokens:   8192,
	}
}

// GenerationRequest describes one generation attempt. It is never persisted.
type GenerationRequest struct {
	SourceText string
	Prompt     string
	Params     GenerationParams
}

// ModelProvider sends a prompt to a generative model and returns its raw text.
type ModelProvider interface {
	Complete(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// OpenAIProvider talks to any OpenAI-compatible chat completion endpoint.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

func NewOpenAIProvider(apiKey, apiEndpoint, model string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if apiEndpoint != "" {
		cfg.BaseURL = apiEndpoint
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Complete ignores TopK, which the chat completion API does not accept.
func (p *OpenAIProvider) Complete(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are an AI trained to create flashcards for studying.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		Temperature: params.Temperature,
		TopP:        params.TopP,
		MaxTokens:   int(params.MaxTokens),
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("request openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// GeminiProvider calls the Gemini API. One client is shared; a model handle
// is built per call so parameters never leak between requests.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: model}, nil
}

func (p *GeminiProvider) Close() error {
	return p.client.Close()
}

func (p *GeminiProvider) Complete(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	m := p.client.GenerativeModel(p.model)
	m.SetTemperature(params.Temperature)
	m.SetTopP(params.TopP)
	m.SetTopK(params.TopK)
	m.SetMaxOutputTokens(params.MaxTokens)

	resp, err := m.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("request gemini completion: %w", err)
	}
	text := geminiText(resp)
	if text == "" {
		return "", errors.New("gemini returned no text")
	}
	return text, nil
}

func geminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
	}
	return b.String()
}

const flashcardInstructions = `You are an AI trained to create flashcards for studying.
Given the input text, generate flashcards in the following strict JSON format:
[
  {
    "question": "full question text here INCLUDING ALL MULTIPLE CHOICE OPTIONS if present",
    "answer": "only the correct answer text here"
  }
]

CRITICAL FORMATTING RULES:
- Return ONLY valid, unescaped JSON with NO extra characters
- No markdown formatting, no backticks (` + "```" + `)
- Do not escape quotes in the JSON structure itself - only escape quotes that appear within strings
- Double quotes must be used for property names and string values (not single quotes)
- Absolutely no explanation text or comments before or after the JSON
- Format all flashcards as part of a single JSON array
- DO NOT include literal 'n' characters to represent newlines - use spaces instead

CONTENT RULES:
- ALWAYS include the complete question text exactly as provided
- For multiple choice questions, include ALL options (a, b, c, d, etc.) in the question field
- Format multiple choice options like: "Which of the following is an input device? (a) CPU (b) Monitor (c) Mouse (d) Printer"
- Format code examples with proper spacing, not with newlines
- If the original question already has numbered or lettered choices, preserve them but format them inline with spaces

Now, based on this material, generate flashcards:
---
`

// BuildFlashcardPrompt embeds the source text verbatim in the fixed instructions.
func BuildFlashcardPrompt(sourceText string) string {
	return flashcardInstructions + sourceText + "\n---\n"
}

// Generator turns source text into flashcard candidates with one model call.
type Generator struct {
	provider  ModelProvider
	sanitizer *sanitizer.Sanitizer
	params    GenerationParams
	log       *logging.Logger
}

// NewGenerator returns a Generator. A nil provider leaves generation disabled.
func NewGenerator(provider ModelProvider, params GenerationParams, log *logging.Logger) *Generator {
	if log == nil {
		log = logging.Nop()
	}
	return &Generator{
		provider:  provider,
		sanitizer: sanitizer.New(log),
		params:    params,
		log:       log,
	}
}

func (g *Generator) disabled() bool {
	return g == nil || g.provider == nil
}

// NewRequest builds the request for sourceText without sending it.
func (g *Generator) NewRequest(sourceText string) GenerationRequest {
	return GenerationRequest{
		SourceText: sourceText,
		Prompt:     BuildFlashcardPrompt(sourceText),
		Params:     g.params,
	}
}

// Generate calls the model once and sanitizes its answer. Provider and
// sanitizer failures both surface as ErrGeneration; nothing is retried.
func (g *Generator) Generate(ctx context.Context, sourceText string) ([]models.FlashcardCandidate, error) {
	if g.disabled() {
		return nil, ErrAIUnavailable
	}
	if strings.TrimSpace(sourceText) == "" {
		return nil, Wrap(ErrGeneration, "generate", "build prompt", "source text is empty", nil)
	}

	req := g.NewRequest(sourceText)
	raw, err := g.provider.Complete(ctx, req.Prompt, req.Params)
	if err != nil {
		g.log.Error("model call failed", "error", err)
		return nil, Wrap(ErrGeneration, "generate", "model call", "", err)
	}

	cards, err := g.sanitizer.Sanitize(raw)
	if err != nil {
		return nil, Wrap(ErrGeneration, "generate", "sanitize response", "no flashcards could be produced", err)
	}

	g.log.Info("flashcards generated", "count", len(cards), "source_chars", len(sourceText))
	return cards, nil
}
