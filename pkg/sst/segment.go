// Copyright 2025 Certen Protocol

package sst

// SegmentParams configures DecideBoundary's thresholds.
type SegmentParams struct {
	DStable         int
	DBoundary       int
	DiffThresholdBP int
	DownscalePx     int
}

// DecideBoundary decides whether the current frame starts a new temporal
// segment relative to the previous one. It first trusts the perceptual
// hash distance: at or below DStable the frame is stable, at or above
// DBoundary it is a boundary outright. In the gray zone between the two it
// falls back to a coarse grayscale pixel diff in basis points. The first
// frame of a run is always a boundary. Returns only the decision; the
// caller keeps its own downscaled grayscale samples as "prev" for the
// next call.
func DecideBoundary(phash, prevPhash string, downscaled, prevDownscaled []int, params SegmentParams) SegmentDecision {
	if prevPhash == "" {
		return SegmentDecision{Boundary: true, Reason: "first_frame", PHashDistance: len(phash), DiffScoreBP: bpScale}
	}
	dist := HammingDistance(phash, prevPhash)
	if dist <= params.DStable {
		return SegmentDecision{Boundary: false, Reason: "stable_phash", PHashDistance: dist, DiffScoreBP: 0}
	}
	if dist >= params.DBoundary {
		return SegmentDecision{Boundary: true, Reason: "phash_boundary", PHashDistance: dist, DiffScoreBP: bpScale}
	}
	diffBP := diffScoreBP(downscaled, prevDownscaled)
	if diffBP >= params.DiffThresholdBP {
		return SegmentDecision{Boundary: true, Reason: "diff_boundary", PHashDistance: dist, DiffScoreBP: diffBP}
	}
	return SegmentDecision{Boundary: false, Reason: "diff_stable", PHashDistance: dist, DiffScoreBP: diffBP}
}

// diffScoreBP computes the mean absolute per-pixel grayscale difference
// between current and prev, scaled to basis points in [0, 10000]. An empty
// or mismatched-length prev forces a full-scale diff, same as a missing
// baseline.
func diffScoreBP(current, prev []int) int {
	if len(prev) == 0 || len(prev) != len(current) {
		return bpScale
	}
	total := 0
	for i, a := range current {
		d := a - prev[i]
		if d < 0 {
			d = -d
		}
		total += d
	}
	maxTotal := 255 * maxInt(1, len(current))
	return (total * bpScale) / maxTotal
}
