// Copyright 2025 Certen Protocol

package sst

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func flatHash(bits int) string {
	out := make([]byte, bits)
	for i := range out {
		out[i] = '0'
	}
	return string(out)
}

func TestDecideBoundaryFirstFrameIsBoundary(t *testing.T) {
	params := SegmentParams{DStable: 4, DBoundary: 10, DiffThresholdBP: 500, DownscalePx: 8}
	decision := DecideBoundary(flatHash(64), "", nil, nil, params)
	require.True(t, decision.Boundary)
	require.Equal(t, "first_frame", decision.Reason)
}

func TestDecideBoundaryStableBelowThreshold(t *testing.T) {
	params := SegmentParams{DStable: 4, DBoundary: 10, DiffThresholdBP: 500, DownscalePx: 8}
	a := flatHash(64)
	b := flatHash(64)
	decision := DecideBoundary(a, b, nil, nil, params)
	require.False(t, decision.Boundary)
	require.Equal(t, "stable_phash", decision.Reason)
	require.Equal(t, 0, decision.PHashDistance)
}

func TestDecideBoundaryFarPastThresholdIsBoundary(t *testing.T) {
	params := SegmentParams{DStable: 4, DBoundary: 10, DiffThresholdBP: 500, DownscalePx: 8}
	a := flatHash(64)
	bBytes := []byte(flatHash(64))
	for i := 0; i < 20; i++ {
		bBytes[i] = '1'
	}
	decision := DecideBoundary(a, string(bBytes), nil, nil, params)
	require.True(t, decision.Boundary)
	require.Equal(t, "phash_boundary", decision.Reason)
	require.Equal(t, 20, decision.PHashDistance)
}

func TestDecideBoundaryGrayZoneFallsBackToDiffScore(t *testing.T) {
	params := SegmentParams{DStable: 4, DBoundary: 10, DiffThresholdBP: 500, DownscalePx: 8}
	a := flatHash(64)
	bBytes := []byte(flatHash(64))
	for i := 0; i < 6; i++ {
		bBytes[i] = '1'
	}
	prevGray := make([]int, 64)
	curGray := make([]int, 64)
	for i := range curGray {
		curGray[i] = 20
	}
	decision := DecideBoundary(a, string(bBytes), curGray, prevGray, params)
	require.Equal(t, "diff_boundary", decision.Reason)
	require.True(t, decision.Boundary)
}

func TestDecideBoundaryGrayZoneStableWhenDiffLow(t *testing.T) {
	params := SegmentParams{DStable: 4, DBoundary: 10, DiffThresholdBP: 9000, DownscalePx: 8}
	a := flatHash(64)
	bBytes := []byte(flatHash(64))
	for i := 0; i < 6; i++ {
		bBytes[i] = '1'
	}
	prevGray := []int{10, 10, 10}
	curGray := []int{11, 10, 9}
	decision := DecideBoundary(a, string(bBytes), curGray, prevGray, params)
	require.Equal(t, "diff_stable", decision.Reason)
	require.False(t, decision.Boundary)
}

func TestHammingDistance(t *testing.T) {
	require.Equal(t, 0, HammingDistance("0000", "0000"))
	require.Equal(t, 2, HammingDistance("0011", "0000"))
}
