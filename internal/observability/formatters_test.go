package observability

import (
	"bytes"
	"testing"
	"time"

	"github.com/jonathan/scene-rewriter/internal/activity"
	"github.com/jonathan/scene-rewriter/internal/orchestrator"
	"github.com/jonathan/scene-rewriter/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestPrintProbe(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintProbe(&types.ProbeResult{HasUnits: false, UnitCount: 3, Strategy: types.StrategyChunk, ContentSize: 9000})
	output := buf.String()

	assert.Contains(t, output, "SOURCE")
	assert.Contains(t, output, "chunk")
	assert.Contains(t, output, "9000 chars")
	assert.Contains(t, output, "chunked")
}

func TestPrintProbe_Nil(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintProbe(nil)

	assert.Empty(t, buf.String())
}

func TestPrintPlan(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintPlan(&types.ScopePlan{
		TargetUnitNumbers: []int{4, 6, 7, 8},
		AtRiskUnitNumbers: []int{9},
		Reason:            "The ship is named here",
		PropagationDepth:  1,
		ScopeExpandedFrom: []int{4, 7},
		Contracts: []types.Contract{
			{Kind: types.ContractCanonRule, Description: "The ship is the Gull"},
		},
	})
	output := buf.String()

	assert.Contains(t, output, "SCOPE PLAN")
	assert.Contains(t, output, "4, 6, 7, 8")
	assert.Contains(t, output, "At risk: 9")
	assert.Contains(t, output, "expanded from 4, 7")
	assert.Contains(t, output, "The ship is the Gull")
}

func TestProgressLine(t *testing.T) {
	p := NewPrinter(&bytes.Buffer{})

	line := p.ProgressLine(orchestrator.PipelineState{
		Phase:           orchestrator.PhaseProcessing,
		Aggregate:       types.RunAggregate{Total: 12, Done: 5, Running: 1, Failed: 2},
		SmoothedPercent: 41.7,
		EtaMs:           65_000,
	})

	assert.Contains(t, line, "processing")
	assert.Contains(t, line, " 42%")
	assert.Contains(t, line, "5/12 done")
	assert.Contains(t, line, "1 running")
	assert.Contains(t, line, "2 failed")
	assert.Contains(t, line, "eta 1m05s")
}

func TestProgressLine_CompleteHasNoEta(t *testing.T) {
	p := NewPrinter(&bytes.Buffer{})

	line := p.ProgressLine(orchestrator.PipelineState{
		Phase:           orchestrator.PhaseComplete,
		Aggregate:       types.RunAggregate{Total: 3, Done: 3},
		SmoothedPercent: 100,
		EtaMs:           1000,
	})

	assert.Contains(t, line, "3/3 done")
	assert.NotContains(t, line, "eta")
	assert.NotContains(t, line, "failed")
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	msg := "protected items dropped: Mara"
	p.PrintStatus("run-1", &types.StatusResponse{
		Total: 3, Done: 2, Failed: 1,
		Jobs: []types.Job{
			{UnitNumber: 1, Status: types.JobDone},
			{UnitNumber: 2, Status: types.JobFailed, Error: &msg},
			{UnitNumber: 3, Status: types.JobDone},
		},
	})
	output := buf.String()

	assert.Contains(t, output, "RUN STATUS")
	assert.Contains(t, output, "run-1")
	assert.Contains(t, output, "2/3")
	assert.Contains(t, output, "Failed units")
	assert.Contains(t, output, "2: protected items dropped")
}

func TestPrintVerification(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintVerification(&types.Verification{Pass: true})
	assert.Contains(t, buf.String(), "Verification passed")

	buf.Reset()
	p.PrintVerification(&types.Verification{Failures: []types.VerificationFailure{
		{Description: "Scene 7 still says Heron", UnitNumbers: []int{7}},
	}})
	output := buf.String()
	assert.Contains(t, output, "VERIFICATION FAILED")
	assert.Contains(t, output, "Heron")
	assert.Contains(t, output, "units 7")
}

func TestPrintAssembled(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintAssembled(&types.AssembleResult{NewArtifactID: "art-1", Label: "Rewrite", CharCount: 420, UnitCount: 12, Selective: true})
	output := buf.String()

	assert.Contains(t, output, "ASSEMBLED")
	assert.Contains(t, output, "art-1")
	assert.Contains(t, output, "420 chars")
	assert.Contains(t, output, "Selective")
}

func TestPrintNotice(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)

	p.PrintNotice(&orchestrator.Notice{Message: "Rate limited by the engine", RetryAfter: 30 * time.Second})
	assert.Contains(t, buf.String(), "Rate limited by the engine")
	assert.Contains(t, buf.String(), "retry in 30s")

	buf.Reset()
	p.PrintNotice(nil)
	assert.Empty(t, buf.String())
}

func TestPrintActivity(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

	p.PrintActivity([]activity.Entry{
		{Time: at, Severity: activity.SeverityInfo, Message: "Run started"},
		{Time: at, Severity: activity.SeverityWarn, Message: "Unit 3 failed"},
	})
	output := buf.String()

	assert.Contains(t, output, "09:30:00")
	assert.Contains(t, output, "Run started")
	assert.Contains(t, output, "WARN")
	assert.Contains(t, output, "Unit 3 failed")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{in: 400 * time.Millisecond, want: "0s"},
		{in: 42 * time.Second, want: "42s"},
		{in: 65 * time.Second, want: "1m05s"},
		{in: 2*time.Hour + 3*time.Minute, want: "2h03m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in))
	}
}
