package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanJSONBlock(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "json code block",
			input:    "```json\n{\"failures\": []}\n```",
			expected: `{"failures": []}`,
		},
		{
			name:     "generic code block",
			input:    "```\n{\"key\": \"value\"}\n```",
			expected: `{"key": "value"}`,
		},
		{
			name:     "code block with language",
			input:    "```javascript\n{\"key\": \"value\"}\n```",
			expected: `{"key": "value"}`,
		},
		{
			name:     "plain JSON",
			input:    `{"key": "value"}`,
			expected: `{"key": "value"}`,
		},
		{
			name:     "preamble before object",
			input:    "Here is the plan:\n{\"target_unit_numbers\": [4, 7], \"reason\": \"storm\"}",
			expected: `{"target_unit_numbers": [4, 7], "reason": "storm"}`,
		},
		{
			name:     "preamble before array",
			input:    "Units:\n[3, 4]",
			expected: `[3, 4]`,
		},
		{
			name:     "trailing commentary",
			input:    "{\"failures\": []}\n\nLet me know if you need anything else!",
			expected: `{"failures": []}`,
		},
		{
			name:     "escaped quotes and braces in strings",
			input:    `Result: {"description": "she said \"}\" twice"}`,
			expected: `{"description": "she said \"}\" twice"}`,
		},
		{
			name:     "no JSON",
			input:    "  The keeper climbed the stairs.  ",
			expected: "The keeper climbed the stairs.",
		},
		{
			name:     "unbalanced JSON is returned as is",
			input:    `{"failures": [`,
			expected: `{"failures": [`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CleanJSONBlock(tt.input))
		})
	}
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "simple object", input: `{"key": "value"}`, expected: `{"key": "value"}`},
		{name: "nested objects", input: `{"outer": {"inner": "value"}}`, expected: `{"outer": {"inner": "value"}}`},
		{name: "object with array", input: `{"items": [1, 2, 3]}`, expected: `{"items": [1, 2, 3]}`},
		{name: "trailing text", input: `{"key": "value"} and more`, expected: `{"key": "value"}`},
		{name: "braces inside string", input: `{"template": "Hello {name}!"}`, expected: `{"template": "Hello {name}!"}`},
		{name: "empty input", input: "", expected: ""},
		{name: "not starting with brace", input: "not json", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractJSONObject(tt.input))
		})
	}
}

func TestExtractJSONArray(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "simple array", input: `["a", "b"]`, expected: `["a", "b"]`},
		{name: "nested arrays", input: `[[1, 2], [3, 4]]`, expected: `[[1, 2], [3, 4]]`},
		{name: "array of objects", input: `[{"id": 1}, {"id": 2}]`, expected: `[{"id": 1}, {"id": 2}]`},
		{name: "trailing text", input: `[1, 2, 3] extra`, expected: `[1, 2, 3]`},
		{name: "empty input", input: "", expected: ""},
		{name: "not starting with bracket", input: "not array", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractJSONArray(tt.input))
		})
	}
}
