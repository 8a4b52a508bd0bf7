package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultModel = "claude-sonnet-4-5"

const analysisSystemPrompt = `You analyze screenshots from a guided screen-share verification session.
Respond with a single JSON object and nothing else:
{
  "description": "one sentence describing the visible screen",
  "detectedElements": ["notable UI elements"],
  "matchesSuccessCriteria": true|false,
  "confidence": 0.0-1.0,
  "suggestedAction": "short next action for the user, if the criteria are not met",
  "extractedData": [{"label": "...", "value": "..."}],
  "urlVerified": true|false (only when an expected host was given),
  "visualContinuity": true|false (only when a previous frame description was given)
}`

// AnthropicProvider implements the vision port on the Anthropic
// Messages API using an image content block per frame.
type AnthropicProvider struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicProvider creates a provider. An empty model selects the
// default; an empty key defers to the SDK's environment lookup.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = defaultModel
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}
}

// Analyze sends the frame and the step (or challenge) context to the
// model and parses its JSON reply. Transport failures degrade to the
// safe default result rather than an error: a missed frame should never
// tear down the session.
func (p *AnthropicProvider) Analyze(ctx context.Context, req Request) (*Analysis, error) {
	mediaType, imageData := splitDataURL(req.ImageBase64)

	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: analysisSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(mediaType, imageData),
				anthropic.NewTextBlock(buildPrompt(req)),
			),
		},
	})
	if err != nil {
		slog.Warn("vision request failed", "error", err)
		return SafeDefault(), nil
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	analysis, err := parseAnalysis(text)
	if err != nil {
		slog.Warn("vision reply unparseable", "error", err)
		return SafeDefault(), nil
	}
	return Sanitize(analysis), nil
}

// buildPrompt renders the per-frame instruction context.
func buildPrompt(req Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Current instruction: %s\n", req.Instruction)
	fmt.Fprintf(&sb, "Success criteria: %s\n", req.SuccessCriteria)

	if len(req.Schema) > 0 {
		sb.WriteString("Extract these fields if visible:\n")
		for _, f := range req.Schema {
			fmt.Fprintf(&sb, "- %s: %s\n", f.Name, f.Description)
		}
	}
	if req.ExpectedHost != "" {
		fmt.Fprintf(&sb, "Verify the visible browser URL belongs to host: %s\n", req.ExpectedHost)
	}
	if req.PrevDescription != "" {
		fmt.Fprintf(&sb, "Previous frame showed: %s\nAssess visual continuity with it.\n", req.PrevDescription)
	}
	return sb.String()
}

// parseAnalysis decodes the model's JSON reply, tolerating surrounding
// prose or code fences.
func parseAnalysis(text string) (*Analysis, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reply")
	}

	var a Analysis
	if err := json.Unmarshal([]byte(text[start:end+1]), &a); err != nil {
		return nil, fmt.Errorf("decoding analysis: %w", err)
	}
	return &a, nil
}

// splitDataURL separates an optional data-url prefix from the base64
// payload, defaulting the media type to JPEG.
func splitDataURL(image string) (mediaType, data string) {
	mediaType = "image/jpeg"
	data = image
	if strings.HasPrefix(image, "data:") {
		if comma := strings.Index(image, ","); comma > 0 {
			header := image[len("data:"):comma]
			data = image[comma+1:]
			if semi := strings.Index(header, ";"); semi > 0 {
				header = header[:semi]
			}
			if header != "" {
				mediaType = header
			}
		}
	}
	return mediaType, data
}
