// Copyright 2025 Certen Protocol

package sst

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/certen/autocapture-kernel/pkg/capability"
)

type fakeExtractor struct {
	calls int
}

func (f *fakeExtractor) ExtractTokens(patch Patch, frameWidth, frameHeight int) ([]Token, error) {
	f.calls++
	return []Token{
		{
			TokenID:      patch.PatchID + "-tok0",
			Text:         "hello",
			NormText:     "hello",
			BBox:         BBox{patch.BBox[0] + 1, patch.BBox[1] + 1, patch.BBox[0] + 20, patch.BBox[1] + 12},
			ConfidenceBP: 9200,
		},
	}, nil
}

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Segment:            SegmentParams{DStable: 4, DBoundary: 10, DiffThresholdBP: 500, DownscalePx: 8},
		Tile:               TileParams{TileMaxPx: 256, OverlapPx: 16, AddFullFrame: true},
		Table:              TableParams{RowGapPx: 6, ColGapPx: 20},
		Layout:             LayoutParams{LineYThresholdPx: 6, BlockGapPx: 10, AlignTolerancePx: 5},
		Delta:              DeltaParams{BBoxShiftPx: 3, TableMatchIOUBP: 5000},
		Postprocess:        PostprocessParams{MinConfidenceBP: 1000, NMSIOUBP: 5000, MaxTokens: 1000},
		ComplianceEnabled:  false,
		MaxConcurrentTiles: 4,
	}
}

func TestPipelineProcessFrameFirstFrame(t *testing.T) {
	extractor := &fakeExtractor{}
	pipeline := NewPipeline(extractor, testPipelineConfig())
	imageBytes := solidPNG(t, 128, 128, color.White)

	result, err := pipeline.ProcessFrame(context.Background(), "run1", "frame1", 1000, imageBytes, "Editor", nil)
	require.NoError(t, err)
	require.True(t, result.Segment.Boundary)
	require.Equal(t, "first_frame", result.Segment.Reason)
	require.NotEmpty(t, result.State.StateID)
	require.Nil(t, result.Delta)
	require.Nil(t, result.Action)
	require.Greater(t, extractor.calls, 0)
}

func TestPipelineProcessFrameSecondFrameStartsNewSegment(t *testing.T) {
	extractor := &fakeExtractor{}
	pipeline := NewPipeline(extractor, testPipelineConfig())
	imageBytes1 := solidPNG(t, 128, 128, color.White)
	imageBytes2 := solidPNG(t, 128, 128, color.Black)

	first, err := pipeline.ProcessFrame(context.Background(), "run1", "frame1", 1000, imageBytes1, "Editor", nil)
	require.NoError(t, err)

	prev := &PrevFrame{State: &first.State, PHash: first.State.PHash, Downscaled: DownscaleGray(mustDecode(t, imageBytes1), 8)}
	second, err := pipeline.ProcessFrame(context.Background(), "run1", "frame2", 2000, imageBytes2, "Editor", prev)
	require.NoError(t, err)
	require.True(t, second.Segment.Boundary)
	require.NotEqual(t, first.State.StateID, second.State.StateID)
}

func TestNewPipelineFromCapabilitiesResolvesTextExtractor(t *testing.T) {
	extractor := &fakeExtractor{}
	reg := capability.New()
	reg.Register(CapabilityTextExtractor, TextExtractor(extractor))

	pipeline := NewPipelineFromCapabilities(reg, testPipelineConfig())
	imageBytes := solidPNG(t, 128, 128, color.White)

	result, err := pipeline.ProcessFrame(context.Background(), "run1", "frame1", 1000, imageBytes, "Editor", nil)
	require.NoError(t, err)
	require.NotEmpty(t, result.State.Tokens)
	require.Greater(t, extractor.calls, 0)
}

func TestNewPipelineFromCapabilitiesMissingExtractorDisablesOCR(t *testing.T) {
	pipeline := NewPipelineFromCapabilities(capability.New(), testPipelineConfig())
	imageBytes := solidPNG(t, 128, 128, color.White)

	result, err := pipeline.ProcessFrame(context.Background(), "run1", "frame1", 1000, imageBytes, "Editor", nil)
	require.NoError(t, err)
	require.Empty(t, result.State.Tokens)
}

func mustDecode(t *testing.T, b []byte) *image.RGBA {
	t.Helper()
	normalized, err := NormalizeImage(b, 8, 8)
	require.NoError(t, err)
	return normalized.RGB
}
