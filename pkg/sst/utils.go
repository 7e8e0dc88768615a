// Copyright 2025 Certen Protocol

package sst

import (
	"sort"
	"time"

	"github.com/certen/autocapture-kernel/pkg/canon"
)

const bpScale = 10000

// BP scales a [0,1] fraction into basis points, clamped to [0, 10000].
func BP(value float64) int {
	if value <= 0 {
		return 0
	}
	if value >= 1 {
		return bpScale
	}
	rounded := value*bpScale + 0.5
	return int(rounded)
}

// BPInt clamps an already-integer basis-point value into [0, 10000].
func BPInt(value int) int {
	if value < 0 {
		return 0
	}
	if value > bpScale {
		return bpScale
	}
	return value
}

// NowTsMS returns the current time in epoch milliseconds.
func NowTsMS() int64 {
	return time.Now().UTC().UnixMilli()
}

// TsUTCToMS parses an RFC3339 UTC timestamp into epoch milliseconds,
// falling back to NowTsMS on an empty or unparsable input.
func TsUTCToMS(tsUTC string) int64 {
	if tsUTC == "" {
		return NowTsMS()
	}
	t, err := time.Parse(time.RFC3339, tsUTC)
	if err != nil {
		return NowTsMS()
	}
	return t.UTC().UnixMilli()
}

// NormText applies the kernel's shared text normalization (NFC,
// whitespace-run collapse, trim).
func NormText(text string) string {
	return canon.NormalizeText(text)
}

// HashCanonical hashes v's canonical JSON form. It does not panic: if
// CanonicalJSON rejects v (a stray float), it returns the sha256 of the
// error text instead. Every value passed through this package is built
// from ints, strings, and slices.
func HashCanonical(v any) string {
	h, err := canon.HashCanonical(v)
	if err != nil {
		return canon.Sha256Hex([]byte(err.Error()))
	}
	return h
}

// HammingDistance counts differing character positions between two
// equal-length strings, matching the phash comparison the original uses.
// Unequal-length inputs return the longer length, same as the source.
func HammingDistance(a, b string) int {
	if a == "" || b == "" || len(a) != len(b) {
		if len(a) > len(b) {
			return len(a)
		}
		return len(b)
	}
	n := 0
	for i := range a {
		if a[i] != b[i] {
			n++
		}
	}
	return n
}

// ClampBBox clips bbox into [0, width] x [0, height] and repairs any
// inverted corners.
func ClampBBox(bbox BBox, width, height int) BBox {
	x1 := clampInt(bbox[0], 0, width)
	y1 := clampInt(bbox[1], 0, height)
	x2 := clampInt(bbox[2], 0, width)
	y2 := clampInt(bbox[3], 0, height)
	if x2 < x1 {
		x1, x2 = x2, x1
	}
	if y2 < y1 {
		y1, y2 = y2, y1
	}
	return BBox{x1, y1, x2, y2}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// BBoxArea returns the non-negative pixel area of bbox.
func BBoxArea(bbox BBox) int {
	w := bbox[2] - bbox[0]
	h := bbox[3] - bbox[1]
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	return w * h
}

// BBoxIOU returns the intersection-over-union of a and b in [0, 1].
func BBoxIOU(a, b BBox) float64 {
	ix1 := maxInt(a[0], b[0])
	iy1 := maxInt(a[1], b[1])
	ix2 := minInt(a[2], b[2])
	iy2 := minInt(a[3], b[3])
	inter := BBoxArea(BBox{ix1, iy1, ix2, iy2})
	if inter <= 0 {
		return 0
	}
	union := BBoxArea(a) + BBoxArea(b) - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// BBoxUnion returns the smallest bbox containing every box in bboxes, or
// the zero bbox if bboxes is empty.
func BBoxUnion(bboxes []BBox) BBox {
	if len(bboxes) == 0 {
		return BBox{0, 0, 0, 0}
	}
	out := bboxes[0]
	for _, b := range bboxes[1:] {
		out[0] = minInt(out[0], b[0])
		out[1] = minInt(out[1], b[1])
		out[2] = maxInt(out[2], b[2])
		out[3] = maxInt(out[3], b[3])
	}
	return out
}

// BBoxShift returns the Manhattan sum of absolute per-corner displacement
// between two bboxes, used by the element diff to flag bbox_changed.
func BBoxShift(a, b BBox) int {
	sum := 0
	for i := 0; i < 4; i++ {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// StableSortedStrings returns a sorted copy of ss.
func StableSortedStrings(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}
