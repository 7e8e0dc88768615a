// Copyright 2025 Certen Protocol

package sst

// RunContext is the read-only context every Stage runs under: which run it
// belongs to, the capture timestamp, and the resolved SST config for this
// pass.
type RunContext struct {
	RunID  string
	TsMS   int64
	Config map[string]any
}

// StageInput carries whatever the previous stage produced, keyed by a
// stage-defined name (e.g. "tokens", "state", "delta") so stages stay
// decoupled from one fixed struct shape.
type StageInput struct {
	Items map[string]any
}

// StageOutput is a Stage's result: the items it produced plus diagnostics
// for persistence/telemetry.
type StageOutput struct {
	Items       map[string]any
	Metrics     map[string]float64
	Diagnostics []map[string]any
}

// Stage is one pluggable unit of SST work. Pipeline does not run its steps
// as Stages: ProcessFrame calls them directly in a fixed order, and this
// package defines no concrete Stage besides the one NewStage returns.
type Stage interface {
	ID() string
	Run(in StageInput, ctx RunContext) (StageOutput, error)
}

// funcStage adapts a plain function into a Stage; NewStage returns one.
type funcStage struct {
	id  string
	run func(in StageInput, ctx RunContext) (StageOutput, error)
}

func (f funcStage) ID() string { return f.id }
func (f funcStage) Run(in StageInput, ctx RunContext) (StageOutput, error) {
	return f.run(in, ctx)
}

// NewStage builds a Stage from an id and a run function.
func NewStage(id string, run func(in StageInput, ctx RunContext) (StageOutput, error)) Stage {
	return funcStage{id: id, run: run}
}
