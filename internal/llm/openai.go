// Package llm is the language-model collaborator of the bot: it sends a user
// message with its dialog history to an OpenAI-compatible chat completion API,
// drops the oldest history entries while the request exceeds the model's
// context window, and transcribes voice messages with Whisper.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/gpt-subscription-bot/internal/domain"
)

// ErrEmptyAnswer is returned when the model produced no choices.
var ErrEmptyAnswer = errors.New("model returned no answer")

// api is the subset of the go-openai client used here.
type api interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
}

// Client implements the bot's model collaborator on top of go-openai.
type Client struct {
	API         api
	Model       string
	Temperature float32
}

// Options configures New.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// New builds a Client. Timeout bounds every HTTP round trip made by the
// underlying SDK; there is no other deadline on model calls.
func New(o Options) *Client {
	cfg := openai.DefaultConfig(o.APIKey)
	if o.BaseURL != "" {
		cfg.BaseURL = o.BaseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: o.Timeout}
	model := o.Model
	if model == "" {
		model = openai.GPT3Dot5Turbo
	}
	return &Client{API: openai.NewClientWithConfig(cfg), Model: model, Temperature: 0.7}
}

// Send asks the model to answer message in the given chat mode, with history
// as prior context. When the request does not fit the context window the
// oldest history entries are dropped one at a time; the number dropped is
// returned as removed. cost is the total token usage reported by the API.
func (c *Client) Send(ctx context.Context, message string, history []domain.DialogMessage, mode domain.ChatMode) (answer string, cost int64, removed int, err error) {
	ctx, span := otel.Tracer("llm/Client").Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("llm.model", c.Model),
			attribute.String("chat.mode", string(mode.ID)),
			attribute.Int("dialog.history", len(history)),
		),
	)
	defer span.End()

	for {
		req := openai.ChatCompletionRequest{
			Model:       c.Model,
			Messages:    buildMessages(message, history, mode),
			Temperature: c.Temperature,
		}
		resp, err := c.API.CreateChatCompletion(ctx, req)
		if err != nil {
			if isContextLengthError(err) && len(history) > 0 {
				history = history[1:]
				removed++
				continue
			}
			span.RecordError(err)
			return "", 0, removed, err
		}
		if len(resp.Choices) == 0 {
			return "", 0, removed, ErrEmptyAnswer
		}

		answer = strings.TrimSpace(resp.Choices[0].Message.Content)
		cost = int64(resp.Usage.TotalTokens)
		if cost == 0 {
			cost = int64(resp.Usage.PromptTokens + resp.Usage.CompletionTokens)
		}
		span.SetAttributes(attribute.Int64("llm.tokens", cost), attribute.Int("dialog.removed", removed))
		zerolog.Ctx(ctx).Debug().Int64("tokens", cost).Int("removed", removed).Msg("model answered")
		return answer, cost, removed, nil
	}
}

// Transcribe converts audio to text with Whisper. filename carries the
// container format (e.g. "voice.ogg").
func (c *Client) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	ctx, span := otel.Tracer("llm/Client").Start(ctx, "Transcribe")
	defer span.End()

	resp, err := c.API.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: filename,
		Reader:   audio,
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func buildMessages(message string, history []domain.DialogMessage, mode domain.ChatMode) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, 2*len(history)+2)
	if mode.SystemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: mode.SystemPrompt})
	}
	for _, m := range history {
		out = append(out,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.User},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Bot},
		)
	}
	return append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: message})
}

func isContextLengthError(err error) bool {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if code, ok := apiErr.Code.(string); ok && code == "context_length_exceeded" {
		return true
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "maximum context length")
}
