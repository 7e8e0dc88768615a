// Copyright 2025 Certen Protocol

package sst

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

func checkerboardPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x/8+y/8)%2 == 0 {
				img.Set(x, y, color.White)
			} else {
				img.Set(x, y, color.Black)
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestNormalizeImageDecodesAndHashes(t *testing.T) {
	bytesIn := checkerboardPNG(t, 64, 64)
	normalized, err := NormalizeImage(bytesIn, 8, 32)
	require.NoError(t, err)
	require.Equal(t, 64, normalized.Width)
	require.Equal(t, 64, normalized.Height)
	require.Len(t, normalized.PHash, 64)
	require.NotEmpty(t, normalized.ImageSha256)
}

func TestNormalizeImageRejectsEmptyInput(t *testing.T) {
	_, err := NormalizeImage(nil, 8, 32)
	require.Error(t, err)
}

func TestPerceptualHashStableForIdenticalImage(t *testing.T) {
	bytesIn := checkerboardPNG(t, 64, 64)
	a, err := NormalizeImage(bytesIn, 8, 32)
	require.NoError(t, err)
	b, err := NormalizeImage(bytesIn, 8, 32)
	require.NoError(t, err)
	require.Equal(t, a.PHash, b.PHash)
}

func TestTileImageCoversFullFrame(t *testing.T) {
	bytesIn := checkerboardPNG(t, 300, 200)
	normalized, err := NormalizeImage(bytesIn, 8, 32)
	require.NoError(t, err)
	patches, err := TileImage(normalized.RGB, TileParams{TileMaxPx: 128, OverlapPx: 16, AddFullFrame: true})
	require.NoError(t, err)
	require.NotEmpty(t, patches)
	ids := map[string]bool{}
	for _, p := range patches {
		require.False(t, ids[p.PatchID], "duplicate patch id %s", p.PatchID)
		ids[p.PatchID] = true
		require.NotEmpty(t, p.ImageBytes)
	}
}

func TestTileImageFocusPatchesForLowConfidenceTokens(t *testing.T) {
	bytesIn := checkerboardPNG(t, 300, 200)
	normalized, err := NormalizeImage(bytesIn, 8, 32)
	require.NoError(t, err)
	tokens := []Token{
		{TokenID: "t1", BBox: BBox{10, 10, 30, 30}, ConfidenceBP: 1000},
	}
	patches, err := TileImage(normalized.RGB, TileParams{
		TileMaxPx: 400, OverlapPx: 0, AddFullFrame: true,
		FocusTokens: tokens, FocusConfBP: 5000, FocusPadding: 4, FocusMaxPatch: 5, FocusGapPx: 10,
	})
	require.NoError(t, err)
	foundFocus := false
	for _, p := range patches {
		if len(p.PatchID) >= 5 && p.PatchID[:5] == "focus" {
			foundFocus = true
		}
	}
	require.True(t, foundFocus)
}
