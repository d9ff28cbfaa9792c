package gemini

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/flare-worker/internal/config"
	"github.com/phrazzld/flare-worker/internal/moderation"
	"google.golang.org/genai"
)

//go:embed prompt.tmpl
var promptSource string

var promptTemplate = template.Must(template.New("moderation").Parse(promptSource))

// contentGenerator is the subset of *genai.Models used here.
type contentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

var _ moderation.Moderator = (*Moderator)(nil)

// Moderator asks a Gemini model for a moderation verdict.
type Moderator struct {
	models   contentGenerator
	model    string
	validate *validator.Validate
	logger   *slog.Logger
}

// NewModerator creates a Moderator from the LLM configuration.
//
// Parameters:
//   - ctx: Context for client initialization
//   - logger: Structured logger for API calls
//   - cfg: LLM configuration with API key and model name
//
// Returns:
//   - A ready Moderator, or an error wrapping ErrInvalidConfig
func NewModerator(ctx context.Context, logger *slog.Logger, cfg config.LLMConfig) (*Moderator, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", ErrInvalidConfig, err)
	}
	return newModerator(client.Models, cfg.ModelName, logger), nil
}

func newModerator(models contentGenerator, model string, logger *slog.Logger) *Moderator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Moderator{
		models:   models,
		model:    model,
		validate: validator.New(),
		logger:   logger.With("component", "gemini_moderator", "model", model),
	}
}

// Moderate implements moderation.Moderator.
func (m *Moderator) Moderate(ctx context.Context, in moderation.Input) (moderation.Verdict, error) {
	var prompt bytes.Buffer
	if err := promptTemplate.Execute(&prompt, in); err != nil {
		return moderation.Verdict{}, fmt.Errorf("failed to execute prompt template: %w", err)
	}

	temperature := float32(0)
	resp, err := m.models.GenerateContent(ctx, m.model, genai.Text(prompt.String()), &genai.GenerateContentConfig{
		Temperature:      &temperature,
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		m.logger.WarnContext(ctx, "Gemini API call failed", "error", err)
		return moderation.Verdict{}, fmt.Errorf("%w: %v", ErrTransientFailure, err)
	}

	text, err := responseText(resp)
	if err != nil {
		m.logger.WarnContext(ctx, "Gemini returned no usable content", "error", err)
		return moderation.Verdict{}, err
	}

	var v moderation.Verdict
	if err := json.Unmarshal([]byte(stripFence(text)), &v); err != nil {
		return moderation.Verdict{}, fmt.Errorf("%w: failed to parse JSON response: %v", ErrInvalidResponse, err)
	}
	v.Decision = moderation.Decision(strings.ToLower(string(v.Decision)))
	if err := m.validate.Struct(v); err != nil {
		return moderation.Verdict{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	m.logger.DebugContext(ctx, "Gemini moderation verdict", "decision", v.Decision)
	return v, nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates", ErrInvalidResponse)
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return "", ErrContentBlocked
	}
	if cand.Content == nil {
		return "", fmt.Errorf("%w: empty content", ErrInvalidResponse)
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%w: empty text", ErrInvalidResponse)
	}
	return sb.String(), nil
}

// stripFence removes a ```json fence some models wrap around JSON output.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// IsPermanent reports whether err will not go away on retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInvalidResponse) || errors.Is(err, ErrContentBlocked) || errors.Is(err, ErrInvalidConfig)
}
