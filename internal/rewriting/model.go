package rewriting

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/jonathan/scene-rewriter/internal/llm"
	"github.com/jonathan/scene-rewriter/internal/prompts"
	"github.com/jonathan/scene-rewriter/internal/scenes"
	"github.com/jonathan/scene-rewriter/internal/schemas"
	"github.com/jonathan/scene-rewriter/internal/types"
)

// outlineChars is how much of each unit the planner sees
const outlineChars = 240

// Model performs the language work of the engine
type Model interface {
	// Rewrite returns the revised text of one unit
	Rewrite(ctx context.Context, in RewriteInput) (string, error)
	// Plan proposes the scope of a set of notes
	Plan(ctx context.Context, in PlanInput) (*types.ScopePlan, error)
	// Check reports the contracts the revised units break
	Check(ctx context.Context, in CheckInput) ([]types.VerificationFailure, error)
}

// RewriteInput is the material for one unit rewrite
type RewriteInput struct {
	Unit      scenes.Unit
	Strategy  types.Strategy
	Notes     []types.Note
	Protected []string
	Context   []scenes.Unit
}

// PlanInput is the material for scope planning
type PlanInput struct {
	Units []scenes.Unit
	Notes []types.Note
}

// CheckInput is the material for a continuity check
type CheckInput struct {
	Contracts []types.Contract
	Units     []scenes.Unit
}

// GeminiModel implements Model over an llm.Client
type GeminiModel struct {
	client llm.Client
}

var _ Model = (*GeminiModel)(nil)

// NewGeminiModel wraps client
func NewGeminiModel(client llm.Client) *GeminiModel {
	return &GeminiModel{client: client}
}

// Rewrite implements Model
func (m *GeminiModel) Rewrite(ctx context.Context, in RewriteInput) (string, error) {
	prompt := buildRewritePrompt(in)

	// Prose needs the most capable tier
	responseText, err := m.client.GenerateContent(ctx, prompt, llm.TierAdvanced)
	if err != nil {
		return "", &ModelError{Message: fmt.Sprintf("failed to rewrite %s", unitLabel(in.Strategy, in.Unit.Number)), Cause: err}
	}

	text := parseRewriteResponse(responseText)
	if text == "" {
		return "", &OutputError{Message: "empty rewrite"}
	}
	return text, nil
}

// Plan implements Model
func (m *GeminiModel) Plan(ctx context.Context, in PlanInput) (*types.ScopePlan, error) {
	prompt, err := prompts.Render(prompts.PlanningFile, "scope-plan", map[string]string{
		"Outline": outline(in.Units),
		"Notes":   bulletNotes(in.Notes),
	})
	if err != nil {
		return nil, err
	}

	responseText, err := m.client.GenerateJSON(ctx, prompt, llm.TierStandard)
	if err != nil {
		return nil, &ModelError{Message: "failed to plan scope", Cause: err}
	}

	var plan types.ScopePlan
	if err := decodeValidated("model/scope_plan", responseText, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// Check implements Model
func (m *GeminiModel) Check(ctx context.Context, in CheckInput) ([]types.VerificationFailure, error) {
	var contracts strings.Builder
	for _, c := range in.Contracts {
		fmt.Fprintf(&contracts, "- [%s] %s", c.Kind, c.Description)
		if len(c.UnitNumbers) > 0 {
			fmt.Fprintf(&contracts, " (units %s)", joinInts(c.UnitNumbers))
		}
		contracts.WriteString("\n")
	}
	var units strings.Builder
	for _, u := range in.Units {
		fmt.Fprintf(&units, "[Unit %d]\n%s\n\n", u.Number, u.Text)
	}

	prompt, err := prompts.Render(prompts.VerificationFile, "continuity-check", map[string]string{
		"Contracts": contracts.String(),
		"Units":     strings.TrimSpace(units.String()),
	})
	if err != nil {
		return nil, err
	}

	// Checking is cheap; the lite tier is enough
	responseText, err := m.client.GenerateJSON(ctx, prompt, llm.TierLite)
	if err != nil {
		return nil, &ModelError{Message: "failed to check continuity", Cause: err}
	}

	var result struct {
		Failures []types.VerificationFailure `json:"failures"`
	}
	if err := decodeValidated("model/continuity", responseText, &result); err != nil {
		return nil, err
	}
	return result.Failures, nil
}

// buildRewritePrompt constructs the prompt for one unit rewrite
func buildRewritePrompt(in RewriteInput) string {
	var sb strings.Builder

	sb.WriteString(prompts.Format(prompts.MustGet(prompts.RewritingFile, "rewrite-unit-intro"), map[string]string{
		"UnitLabel": unitLabel(in.Strategy, in.Unit.Number),
		"UnitText":  in.Unit.Text,
	}))

	sb.WriteString("Editor's notes:\n")
	sb.WriteString(bulletNotes(in.Notes))
	sb.WriteString("\n")

	if len(in.Context) > 0 {
		texts := make([]string, len(in.Context))
		for i, u := range in.Context {
			texts[i] = fmt.Sprintf("[%s]\n%s", unitLabel(in.Strategy, u.Number), u.Text)
		}
		sb.WriteString(prompts.Format(prompts.MustGet(prompts.RewritingFile, "rewrite-unit-context"), map[string]string{
			"ContextText": strings.Join(texts, "\n\n"),
		}))
	}

	sb.WriteString(prompts.MustGet(prompts.RewritingFile, "rewrite-unit-preservation"))

	protected := "none"
	if len(in.Protected) > 0 {
		protected = strings.Join(in.Protected, ", ")
	}
	sb.WriteString(prompts.Format(prompts.MustGet(prompts.RewritingFile, "rewrite-unit-requirements"), map[string]string{
		"Protected": protected,
	}))

	return sb.String()
}

// parseRewriteResponse strips code fences, wrapping quotes, and a {"text": ...} wrapper
func parseRewriteResponse(responseText string) string {
	text := strings.TrimSpace(responseText)

	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		lines = lines[1:]
		if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
			lines = lines[:len(lines)-1]
		}
		text = strings.TrimSpace(strings.Join(lines, "\n"))
	}

	var wrapped struct {
		Text string `json:"text"`
	}
	if strings.HasPrefix(text, "{") {
		if err := json.Unmarshal([]byte(text), &wrapped); err == nil && wrapped.Text != "" {
			return strings.TrimSpace(wrapped.Text)
		}
	}

	if len(text) >= 2 && strings.HasPrefix(text, `"`) && strings.HasSuffix(text, `"`) && !strings.Contains(text[1:len(text)-1], `"`) {
		text = text[1 : len(text)-1]
	}
	return strings.TrimSpace(text)
}

func decodeValidated(schema, responseText string, out any) error {
	data := []byte(llm.CleanJSONBlock(responseText))
	if err := schemas.Validate(schema, data); err != nil {
		return &OutputError{Message: "response does not match " + schema, Cause: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &OutputError{Message: "failed to decode response", Cause: err}
	}
	return nil
}

func unitLabel(strategy types.Strategy, n int) string {
	if strategy == types.StrategyChunk {
		return fmt.Sprintf("chunk %d", n)
	}
	return fmt.Sprintf("scene %d", n)
}

func outline(units []scenes.Unit) string {
	var sb strings.Builder
	for _, u := range units {
		text := strings.Join(strings.Fields(u.Text), " ")
		if len(text) > outlineChars {
			text = text[:outlineChars] + "..."
		}
		fmt.Fprintf(&sb, "%d: %s\n", u.Number, text)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func bulletNotes(notes []types.Note) string {
	var sb strings.Builder
	for _, n := range notes {
		sb.WriteString("- ")
		sb.WriteString(strings.TrimSpace(n.Text))
		if len(n.UnitNumbers) > 0 {
			units := slices.Clone(n.UnitNumbers)
			slices.Sort(units)
			fmt.Fprintf(&sb, " (units %s)", joinInts(units))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func joinInts(values []int) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ", ")
}
