package schemas

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedSchemas_Compile(t *testing.T) {
	names := []string{
		"put_source", "probe", "scope_plan", "enqueue", "claim_next", "status",
		"retry_failed", "requeue_stuck", "verify", "assemble", "active_run_lookup",
	}
	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			require.True(t, Has(name))
			_, err := load(name)
			assert.NoError(t, err)
		})
	}
}

func TestValidate_ClaimNext(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{name: "empty claim", doc: `{"processed": false, "done": true}`},
		{name: "processed claim", doc: `{"processed": true, "unit_number": 3, "status": "done", "duration_ms": 1200, "delta_pct": 4.5, "skipped": false, "done": false}`},
		{name: "processed without unit", doc: `{"processed": true, "done": false}`, wantErr: true},
		{name: "unknown status", doc: `{"processed": true, "unit_number": 3, "status": "exploded", "done": false}`, wantErr: true},
		{name: "missing done", doc: `{"processed": false}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate("claim_next", []byte(tt.doc))
			if tt.wantErr {
				require.Error(t, err)
				var validationErr *ValidationError
				require.True(t, errors.As(err, &validationErr))
				assert.NotEmpty(t, validationErr.Errors)
				assert.Equal(t, "claim_next", validationErr.Schema)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidate_ScopePlan(t *testing.T) {
	valid := `{
		"target_unit_numbers": [4, 7],
		"context_unit_numbers": [3, 5, 6, 8],
		"at_risk_unit_numbers": [9],
		"reason": "edit touches the lighthouse reveal",
		"contracts": [{"kind": "setup_payoff", "description": "key planted in 4 pays off in 9", "unit_numbers": [4, 9]}]
	}`
	assert.NoError(t, Validate("scope_plan", []byte(valid)))

	invalid := `{"target_unit_numbers": [0], "reason": "x"}`
	assert.Error(t, Validate("scope_plan", []byte(invalid)))
}

func TestValidate_UnknownSchema(t *testing.T) {
	err := Validate("nonexistent", []byte(`{}`))
	require.Error(t, err)
	var loadErr *SchemaLoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Contains(t, err.Error(), "schema not found")
	assert.False(t, Has("nonexistent"))
}

func TestValidate_MalformedDocument(t *testing.T) {
	err := Validate("status", []byte(`{not json`))
	require.Error(t, err)
}

func TestValidateJSONString(t *testing.T) {
	schema := `{"type": "object", "required": ["pass"], "properties": {"pass": {"type": "boolean"}}}`

	assert.NoError(t, ValidateJSONString(schema, `{"pass": true}`))

	err := ValidateJSONString(schema, `{"pass": "yes"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestValidate_ModelOutput(t *testing.T) {
	require.True(t, Has("model/scope_plan"))
	require.True(t, Has("model/continuity"))

	assert.NoError(t, Validate("model/continuity", []byte(`{"failures": []}`)))
	assert.NoError(t, Validate("model/continuity", []byte(`{"failures": [{"description": "the keeper knows too early", "unit_numbers": [7]}]}`)))
	assert.Error(t, Validate("model/continuity", []byte(`{"failures": null}`)))
	assert.Error(t, Validate("model/continuity", []byte(`{"failures": [{"description": "", "unit_numbers": [7]}]}`)))

	assert.NoError(t, Validate("model/scope_plan", []byte(`{"target_unit_numbers": [2], "reason": "note names the storm"}`)))
	assert.Error(t, Validate("model/scope_plan", []byte(`{"target_unit_numbers": null, "reason": "x"}`)), "model plans must name targets")
}
