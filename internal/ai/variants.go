package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/notifylab/internal/generator"
)

// TextGenerator is the part of Client the variant generator needs
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// VariantGenerator writes push notification variants with an LLM
type VariantGenerator struct {
	llm    TextGenerator
	logger *zap.Logger
}

var _ generator.Generator = (*VariantGenerator)(nil)

// NewVariantGenerator creates a variant generator backed by llm
func NewVariantGenerator(llm TextGenerator, logger *zap.Logger) *VariantGenerator {
	return &VariantGenerator{
		llm:    llm,
		logger: logger,
	}
}

const variantSystemPrompt = `You write short, engaging push notification messages.
Reply with a numbered list only, one message per line, no commentary.`

// GenerateVariants asks the model for count distinct messages. Missing lines
// are padded with the base message so the result always has count entries.
func (g *VariantGenerator) GenerateVariants(ctx context.Context, req generator.Request, count int) ([]string, error) {
	if count < 1 {
		return nil, fmt.Errorf("count must be >= 1, got %d", count)
	}

	raw, err := g.llm.GenerateText(ctx, variantSystemPrompt, buildPrompt(req, count))
	if err != nil {
		return nil, fmt.Errorf("generate variants: %w", err)
	}

	variants := parseVariants(raw)
	if len(variants) == 0 {
		return nil, fmt.Errorf("generate variants: model returned no usable lines")
	}
	for len(variants) < count {
		variants = append(variants, req.BaseMessage)
	}

	g.logger.Debug("variants generated",
		zap.String("intent_id", req.IntentID),
		zap.Int("count", count),
	)

	return variants[:count], nil
}

// Generate returns a single persisted candidate
func (g *VariantGenerator) Generate(ctx context.Context, req generator.Request) (*generator.Result, error) {
	variants, err := g.GenerateVariants(ctx, req, 1)
	if err != nil {
		return nil, err
	}
	return &generator.Result{Text: variants[0], ShouldPersist: true}, nil
}

func buildPrompt(req generator.Request, count int) string {
	var b strings.Builder

	locale := req.Locale
	if locale == "" {
		locale = "en-US"
	}

	fmt.Fprintf(&b, "Generate %d different push notification messages for the following intent.\n\n", count)
	fmt.Fprintf(&b, "Intent ID: %s\n", req.IntentID)
	fmt.Fprintf(&b, "Base example: %s\n", req.BaseMessage)
	fmt.Fprintf(&b, "Locale: %s\n\n", locale)

	keys := make([]string, 0, len(req.Context))
	for k := range req.Context {
		if k != generator.AvoidKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	b.WriteString("Context:\n")
	if len(keys) == 0 {
		b.WriteString("No additional context\n")
	}
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, req.Context[k])
	}

	b.WriteString("\nRequirements:\n")
	b.WriteString("- Each message under 100 characters\n")
	b.WriteString("- Engaging, actionable language written for the locale\n")
	b.WriteString("- Vary the tone and approach\n")
	if avoid := req.Context[generator.AvoidKey]; avoid != "" {
		fmt.Fprintf(&b, "- Do not repeat or lightly reword this existing message: %q\n", avoid)
	}
	fmt.Fprintf(&b, "- Number the messages 1-%d\n", count)

	return b.String()
}

// parseVariants turns a numbered or bulleted list into plain lines
func parseVariants(raw string) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = stripListMarker(line)
		line = strings.Trim(line, `"`)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func stripListMarker(line string) string {
	if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
		return strings.TrimSpace(line[2:])
	}

	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		return strings.TrimSpace(line[i+1:])
	}
	return line
}
