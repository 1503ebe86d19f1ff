//nolint:revive // types is a standard Go package name pattern
package types

import (
	"slices"
	"time"
)

// Strategy is the processing granularity chosen for a source
type Strategy string

// Strategy constants
const (
	StrategyAuto  Strategy = "auto"
	StrategyScene Strategy = "scene"
	StrategyChunk Strategy = "chunk"
)

// ProbeResult reports whether a source decomposes into discrete units
type ProbeResult struct {
	HasUnits    bool     `json:"has_units"`
	UnitCount   int      `json:"unit_count"`
	UnitNumbers []int    `json:"unit_numbers,omitempty"`
	Strategy    Strategy `json:"strategy"`
	ContentSize int      `json:"content_size"`
}

// AllUnitNumbers returns every unit ordinal in the source, ascending.
// Sources that do not report explicit numbers are numbered 1..UnitCount.
func (p *ProbeResult) AllUnitNumbers() []int {
	if p == nil {
		return nil
	}
	if len(p.UnitNumbers) > 0 {
		units := slices.Clone(p.UnitNumbers)
		slices.Sort(units)
		return slices.Compact(units)
	}
	units := make([]int, 0, p.UnitCount)
	for i := 1; i <= p.UnitCount; i++ {
		units = append(units, i)
	}
	return units
}

// ContractKind classifies a narrative-continuity constraint
type ContractKind string

// ContractKind constants
const (
	ContractArcMilestone   ContractKind = "arc_milestone"
	ContractCanonRule      ContractKind = "canon_rule"
	ContractKnowledgeState ContractKind = "knowledge_state"
	ContractSetupPayoff    ContractKind = "setup_payoff"
)

// Contract is a continuity constraint consulted when planning a rewrite
type Contract struct {
	Kind        ContractKind `json:"kind"`
	Description string       `json:"description"`
	UnitNumbers []int        `json:"unit_numbers,omitempty"`
}

// Note is one requested edit
type Note struct {
	ID          string `json:"id,omitempty" yaml:"id,omitempty"`
	Text        string `json:"text" yaml:"text"`
	UnitNumbers []int  `json:"unit_numbers,omitempty" yaml:"units,omitempty"`
}

// ScopePlan is the blast radius of a set of requested edits
type ScopePlan struct {
	TargetUnitNumbers  []int          `json:"target_unit_numbers"`
	ContextUnitNumbers []int          `json:"context_unit_numbers"`
	AtRiskUnitNumbers  []int          `json:"at_risk_unit_numbers"`
	Reason             string         `json:"reason"`
	PropagationDepth   int            `json:"propagation_depth"`
	Contracts          []Contract     `json:"contracts"`
	ScopeExpandedFrom  []int          `json:"scope_expanded_from,omitempty"`
	Fallback           bool           `json:"fallback,omitempty"`
	Debug              map[string]any `json:"debug,omitempty"`
}

// Clone returns a deep copy of the plan's unit sets and contracts
func (p *ScopePlan) Clone() *ScopePlan {
	if p == nil {
		return nil
	}
	c := *p
	c.TargetUnitNumbers = slices.Clone(p.TargetUnitNumbers)
	c.ContextUnitNumbers = slices.Clone(p.ContextUnitNumbers)
	c.AtRiskUnitNumbers = slices.Clone(p.AtRiskUnitNumbers)
	c.ScopeExpandedFrom = slices.Clone(p.ScopeExpandedFrom)
	c.Contracts = slices.Clone(p.Contracts)
	if p.Debug != nil {
		c.Debug = make(map[string]any, len(p.Debug))
		for k, v := range p.Debug {
			c.Debug[k] = v
		}
	}
	return &c
}

// VerificationFailure is one violated cross-unit invariant
type VerificationFailure struct {
	Description string `json:"description"`
	UnitNumbers []int  `json:"unit_numbers"`
}

// Verification is the result of checking global invariants after a processing pass
type Verification struct {
	Pass      bool                  `json:"pass"`
	Failures  []VerificationFailure `json:"failures"`
	Timestamp time.Time             `json:"timestamp"`
}

// FailedUnits returns the distinct unit numbers referenced by all failures, ascending
func (v *Verification) FailedUnits() []int {
	if v == nil {
		return nil
	}
	var units []int
	for _, f := range v.Failures {
		units = append(units, f.UnitNumbers...)
	}
	slices.Sort(units)
	return slices.Compact(units)
}

// Provenance records how a final artifact was produced
type Provenance struct {
	RunID             RunID         `json:"runId"`
	StrategySelected  Strategy      `json:"strategySelected"`
	StrategyEffective Strategy      `json:"strategyEffective"`
	ScopePlan         *ScopePlan    `json:"scopePlan,omitempty"`
	Verification      *Verification `json:"verification,omitempty"`
	Probe             *ProbeResult  `json:"probe,omitempty"`
}

// AssembleResult describes the artifact composed from completed units
type AssembleResult struct {
	NewArtifactID string `json:"newArtifactId"`
	Label         string `json:"label"`
	CharCount     int    `json:"charCount"`
	UnitCount     int    `json:"unitCount"`
	Selective     bool   `json:"selective,omitempty"`
}
