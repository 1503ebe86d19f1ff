package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_ValidPrompt(t *testing.T) {
	ClearCache()

	prompt, err := Get(RewritingFile, "rewrite-unit-intro")
	require.NoError(t, err)
	assert.Contains(t, prompt, "{{.UnitText}}")
}

func TestGet_InvalidFile(t *testing.T) {
	ClearCache()

	_, err := Get("nonexistent.json", "some-key")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read prompt file")
}

func TestGet_InvalidKey(t *testing.T) {
	ClearCache()

	_, err := Get(RewritingFile, "nonexistent-key")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestMustGet_Panics(t *testing.T) {
	ClearCache()

	assert.Panics(t, func() {
		MustGet("nonexistent.json", "some-key")
	})
}

func TestEmbeddedPrompts(t *testing.T) {
	ClearCache()

	required := map[string][]string{
		RewritingFile:    {"rewrite-unit-intro", "rewrite-unit-context", "rewrite-unit-preservation", "rewrite-unit-requirements"},
		PlanningFile:     {"scope-plan"},
		VerificationFile: {"continuity-check"},
	}
	for file, keys := range required {
		listed, err := List(file)
		require.NoError(t, err, file)
		for _, key := range keys {
			assert.Contains(t, listed, key, file)
			assert.NotPanics(t, func() { MustGet(file, key) })
		}
	}
}

func TestRender(t *testing.T) {
	ClearCache()

	prompt, err := Render(PlanningFile, "scope-plan", map[string]string{
		"Outline": "1: The keeper climbed the stairs.",
		"Notes":   "- Make the keeper older",
	})
	require.NoError(t, err)
	assert.Contains(t, prompt, "1: The keeper climbed the stairs.")
	assert.Contains(t, prompt, "- Make the keeper older")
	assert.NotContains(t, prompt, "{{.Outline}}")
	assert.True(t, strings.HasPrefix(prompt, "You are a continuity editor"))
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		template string
		data     map[string]string
		want     string
	}{
		{
			name:     "fills placeholders",
			template: "Revise {{.UnitLabel}}: {{.UnitText}}",
			data:     map[string]string{"UnitLabel": "scene 3", "UnitText": "Dawn broke."},
			want:     "Revise scene 3: Dawn broke.",
		},
		{
			name:     "no placeholders",
			template: "No placeholders here",
			data:     map[string]string{"Key": "Value"},
			want:     "No placeholders here",
		},
		{
			name:     "missing value keeps placeholder",
			template: "Hello {{.Name}}",
			data:     map[string]string{},
			want:     "Hello {{.Name}}",
		},
		{
			name:     "values are not expanded twice",
			template: "{{.A}} and {{.B}}",
			data:     map[string]string{"A": "{{.B}}", "B": "b"},
			want:     "{{.B}} and b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Format(tt.template, tt.data))
		})
	}
}

func TestCaching(t *testing.T) {
	ClearCache()

	prompt1, err := Get(VerificationFile, "continuity-check")
	require.NoError(t, err)

	prompt2, err := Get(VerificationFile, "continuity-check")
	require.NoError(t, err)

	assert.Equal(t, prompt1, prompt2)
}
