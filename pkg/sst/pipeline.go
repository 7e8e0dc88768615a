// Copyright 2025 Certen Protocol

package sst

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/certen/autocapture-kernel/pkg/capability"
	"github.com/certen/autocapture-kernel/pkg/kerr"
)

// CapabilityTextExtractor is the name pkg/capability's registry resolves
// the pipeline's OCR/text-extraction provider under. Chart and table
// extraction are not capability-resolved: §4.8 specifies both as in-code
// heuristics over already-extracted tokens (ExtractTables, ExtractCharts),
// not model-inference collaborators swapped in at wiring time.
const CapabilityTextExtractor = "sst.text_extractor"

// PipelineConfig bundles every per-run tuning knob the SST pipeline needs,
// mirroring the "sst.*" config block the kernel's SSTPipeline reads.
type PipelineConfig struct {
	Segment    SegmentParams
	Tile       TileParams
	Table      TableParams
	Chart      ChartParams
	Layout     LayoutParams
	Delta      DeltaParams
	Postprocess PostprocessParams
	ComplianceEnabled bool
	DenylistAppHints  []string
	MaxConcurrentTiles int
}

// PrevFrame is the carried-forward state from the previous processed
// frame, threaded through DecideBoundary and MatchIDs/BuildDelta/
// InferAction.
type PrevFrame struct {
	State      *State
	PHash      string
	Downscaled []int
	Cursor     *Cursor
}

// FrameResult is everything one ProcessFrame call produced: the new state,
// the delta from the previous frame (nil for the first frame or when
// nothing changed), the inferred action, and whether a new temporal
// segment began.
type FrameResult struct {
	Segment SegmentDecision
	State   State
	Delta   *Delta
	Action  *ActionEvent
	Dropped bool
	Metrics RedactionMetrics
}

// Pipeline runs the full normalize -> segment -> tile -> extract -> build
// state -> match -> delta -> action -> compliance sequence for one frame.
// Tile-level OCR is the only stage that fans out across goroutines (one
// tile's text extraction is independent of every other tile's); table and
// chart extraction both run once over the frame's full aggregated token
// set, same as the source pipeline's per-frame pass.
type Pipeline struct {
	extractor TextExtractor
	config    PipelineConfig
}

// NewPipeline builds a Pipeline. extractor may be nil if OCR is disabled
// for this run (tokens, and everything derived from them, stay empty).
func NewPipeline(extractor TextExtractor, config PipelineConfig) *Pipeline {
	return &Pipeline{extractor: extractor, config: config}
}

// NewPipelineFromCapabilities resolves the pipeline's TextExtractor from
// reg under CapabilityTextExtractor instead of a caller passing one
// directly, the way process wiring registers a concrete OCR provider
// rather than pipeline construction importing one. A nil reg or a
// missing/mistyped registration leaves extractor nil (OCR disabled),
// matching NewPipeline's own nil-extractor behavior.
func NewPipelineFromCapabilities(reg *capability.Registry, config PipelineConfig) *Pipeline {
	extractor, _ := capability.Get[TextExtractor](reg, CapabilityTextExtractor)
	return NewPipeline(extractor, config)
}

// ProcessFrame runs one frame through the pipeline given the previous
// frame's carried-forward state (nil for the first frame of a run).
func (p *Pipeline) ProcessFrame(ctx context.Context, runID string, frameID string, tsMS int64, imageBytes []byte, windowTitle string, prev *PrevFrame) (FrameResult, error) {
	normalized, err := NormalizeImage(imageBytes, 8, p.config.Segment.DownscalePx)
	if err != nil {
		return FrameResult{}, kerr.Wrap(kerr.Validation, "normalize frame", err)
	}

	var prevPHash string
	var prevDownscaled []int
	if prev != nil {
		prevPHash = prev.PHash
		prevDownscaled = prev.Downscaled
	}
	downscaled := DownscaleGray(normalized.RGB, p.config.Segment.DownscalePx)
	decision := DecideBoundary(normalized.PHash, prevPHash, downscaled, prevDownscaled, p.config.Segment)

	tileParams := p.config.Tile
	patches, err := TileImage(normalized.RGB, tileParams)
	if err != nil {
		return FrameResult{}, kerr.Wrap(kerr.Integrity, "tile frame", err)
	}

	tokens, err := p.extractTiles(ctx, patches, normalized.Width, normalized.Height)
	if err != nil {
		return FrameResult{}, err
	}
	tokens = PostprocessTokens(tokens, p.config.Postprocess)
	lines, blocks := AssembleLayout(tokens, p.config.Layout)

	var tables []Table
	if t := ExtractTables(tokens, "table-0", p.config.Table); t != nil {
		tables = append(tables, *t)
	}
	var spreadsheets []Table
	if s := RefineSpreadsheet(tokens, tables, "sheet-0"); s != nil {
		spreadsheets = append(spreadsheets, *s)
	}
	codeBlocks := ExtractCodeBlocks(lines, "code")
	charts := ExtractCharts(tokens, "chart", p.config.Chart)

	var cursor *Cursor
	if prev != nil {
		cursor = prev.Cursor
	}

	state := BuildState(BuildStateInput{
		RunID: runID, FrameID: frameID, TsMS: tsMS, PHash: normalized.PHash, ImageSha256: normalized.ImageSha256,
		Width: normalized.Width, Height: normalized.Height, Tokens: tokens, Lines: lines,
		Blocks: blocks, Tables: tables, Spreadsheets: spreadsheets, CodeBlocks: codeBlocks, Charts: charts,
		Cursor: cursor, WindowTitle: windowTitle,
	})

	var prevState *State
	var cursorPrev *Cursor
	if prev != nil {
		prevState = prev.State
		cursorPrev = prev.Cursor
	}
	state = MatchIDs(prevState, state)
	delta := BuildDelta(prevState, state, p.config.Delta)
	action := InferAction(delta, cursorPrev, cursor, prevState, state)

	redState, redDelta, redAction, metrics := RedactArtifacts(&state, delta, action, p.config.ComplianceEnabled, p.config.DenylistAppHints)
	if redState == nil {
		return FrameResult{Segment: decision, Dropped: true, Metrics: metrics}, nil
	}

	var outDelta *Delta
	if redDelta != nil {
		outDelta = redDelta
	}
	var outAction *ActionEvent
	if redAction != nil {
		outAction = redAction
	}
	return FrameResult{Segment: decision, State: *redState, Delta: outDelta, Action: outAction, Metrics: metrics}, nil
}

func (p *Pipeline) extractTiles(ctx context.Context, patches []Patch, frameWidth, frameHeight int) ([]Token, error) {
	if p.extractor == nil {
		return nil, nil
	}
	limit := int64(maxInt(1, p.config.MaxConcurrentTiles))
	sem := semaphore.NewWeighted(limit)
	g, gctx := errgroup.WithContext(ctx)
	results := make([][]Token, len(patches))
	for i, patch := range patches {
		i, patch := i, patch
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			tokens, err := p.extractor.ExtractTokens(patch, frameWidth, frameHeight)
			if err != nil {
				return kerr.Wrap(kerr.IO, "extract tokens for patch "+patch.PatchID, err)
			}
			results[i] = tokens
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []Token
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}
