// Copyright 2025 Certen Protocol

package sst

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"math"
	"sort"

	"github.com/certen/autocapture-kernel/pkg/canon"
	"github.com/certen/autocapture-kernel/pkg/kerr"
)

// NormalizedImage is a decoded, alpha-stripped frame ready for tiling and
// segmentation.
type NormalizedImage struct {
	RGB         *image.RGBA
	Width       int
	Height      int
	ImageSha256 string
	PHash       string
}

// NormalizeImage decodes imageBytes (PNG or JPEG), flattens any alpha
// channel onto a white background, and computes its content hash and
// perceptual hash. The two codecs cover the capture formats the kernel
// emits; anything else is a hard decode error.
func NormalizeImage(imageBytes []byte, phashSize, phashDownscale int) (NormalizedImage, error) {
	if len(imageBytes) == 0 {
		return NormalizedImage{}, kerr.New(kerr.Validation, "missing image bytes")
	}
	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return NormalizedImage{}, kerr.Wrap(kerr.Validation, "decode image bytes", err)
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return NormalizedImage{}, kerr.New(kerr.Validation, "invalid image dimensions")
	}

	flat := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(flat, flat.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), img, bounds.Min, draw.Over)

	imageHash := canon.Sha256Hex(imageBytes)
	phash := PerceptualHash(flat, phashSize, phashDownscale)
	if len(phash) != phashSize*phashSize {
		return NormalizedImage{}, kerr.New(kerr.Integrity, "invalid phash length")
	}
	return NormalizedImage{RGB: flat, Width: width, Height: height, ImageSha256: imageHash, PHash: phash}, nil
}

// DownscaleGray reduces rgb to a size x size grayscale sample grid for
// cheap frame-diff scoring, nearest-neighbor sampled.
func DownscaleGray(rgb *image.RGBA, size int) []int {
	out := make([]int, 0, size*size)
	bounds := rgb.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	for y := 0; y < size; y++ {
		sy := (y*h + h/2) / maxInt(1, size)
		for x := 0; x < size; x++ {
			sx := (x*w + w/2) / maxInt(1, size)
			out = append(out, grayAt(rgb, bounds.Min.X+sx, bounds.Min.Y+sy))
		}
	}
	return out
}

func grayAt(rgb *image.RGBA, x, y int) int {
	r, g, b, _ := rgb.At(x, y).RGBA()
	// 8-bit luma from 16-bit channel values (Rec. 601 weights).
	return int((299*(r>>8) + 587*(g>>8) + 114*(b>>8)) / 1000)
}

// PerceptualHash returns a size*size-bit string ("0"/"1" per bit) computed
// from the low-frequency DCT coefficients of a grayscale downscale of rgb,
// matching the phash scheme the kernel persists alongside every frame.
func PerceptualHash(rgb *image.RGBA, size, downscale int) string {
	gray := DownscaleGray(rgb, downscale)
	mat := make([][]float64, downscale)
	for y := 0; y < downscale; y++ {
		row := make([]float64, downscale)
		for x := 0; x < downscale; x++ {
			row[x] = float64(gray[y*downscale+x])
		}
		mat[y] = row
	}
	dct := dct2D(mat)

	coeffs := make([]float64, 0, size*size-1)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if x == 0 && y == 0 {
				continue
			}
			coeffs = append(coeffs, dct[y][x])
		}
	}
	median := medianFloat(coeffs)

	bits := make([]byte, 0, size*size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if x == 0 && y == 0 {
				bits = append(bits, '0')
				continue
			}
			if dct[y][x] >= median {
				bits = append(bits, '1')
			} else {
				bits = append(bits, '0')
			}
		}
	}
	return string(bits)
}

func medianFloat(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	data := append([]float64(nil), values...)
	sort.Float64s(data)
	mid := len(data) / 2
	if len(data)%2 == 1 {
		return data[mid]
	}
	return (data[mid-1] + data[mid]) / 2.0
}

func dct1D(vec []float64) []float64 {
	n := len(vec)
	if n == 0 {
		return nil
	}
	out := make([]float64, n)
	for k := 0; k < n; k++ {
		total := 0.0
		for i, v := range vec {
			total += v * math.Cos(math.Pi/float64(n)*(float64(i)+0.5)*float64(k))
		}
		out[k] = total
	}
	return out
}

func dct2D(mat [][]float64) [][]float64 {
	if len(mat) == 0 {
		return nil
	}
	n := len(mat)
	rowDCT := make([][]float64, n)
	for i, row := range mat {
		rowDCT[i] = dct1D(row)
	}
	m := len(rowDCT[0])
	cols := make([][]float64, m)
	for x := 0; x < m; x++ {
		col := make([]float64, n)
		for y := 0; y < n; y++ {
			col[y] = rowDCT[y][x]
		}
		cols[x] = col
	}
	colDCT := make([][]float64, m)
	for x, col := range cols {
		colDCT[x] = dct1D(col)
	}
	out := make([][]float64, n)
	for y := 0; y < n; y++ {
		out[y] = make([]float64, m)
	}
	for x := 0; x < m; x++ {
		for y := 0; y < n; y++ {
			out[y][x] = colDCT[x][y]
		}
	}
	return out
}

// Patch is one tile of a frame, carrying both its bbox and its re-encoded
// PNG bytes so extraction stages can work tile-by-tile.
type Patch struct {
	PatchID     string
	BBox        BBox
	Width       int
	Height      int
	ImageBytes  []byte
}

// TileParams configures TileImage's coverage and focus-patch behavior.
type TileParams struct {
	TileMaxPx     int
	OverlapPx     int
	AddFullFrame  bool
	FocusTokens   []Token
	FocusConfBP   int
	FocusPadding  int
	FocusMaxPatch int
	FocusGapPx    int
}

// TileImage splits rgb into overlapping fixed-size tiles (optionally plus a
// full-frame tile and low-confidence "focus" patches clustered around weak
// OCR tokens), matching image.py's tile_image contract: every tile has a
// unique patch_id and the full set of tiles covers the frame.
func TileImage(rgb *image.RGBA, params TileParams) ([]Patch, error) {
	width, height := rgb.Bounds().Dx(), rgb.Bounds().Dy()
	var tiles []Patch
	if params.AddFullFrame {
		tiles = append(tiles, makePatch("full_frame", BBox{0, 0, width, height}, rgb))
	}

	step := maxInt(1, params.TileMaxPx-params.OverlapPx)
	xs := tileStarts(width, params.TileMaxPx, step)
	ys := tileStarts(height, params.TileMaxPx, step)
	for _, y1 := range ys {
		for _, x1 := range xs {
			x2 := minInt(width, x1+params.TileMaxPx)
			y2 := minInt(height, y1+params.TileMaxPx)
			bbox := ClampBBox(BBox{x1, y1, x2, y2}, width, height)
			patchID := patchIDFor("tile", bbox)
			tiles = append(tiles, makePatch(patchID, bbox, rgb))
		}
	}

	if len(params.FocusTokens) > 0 && params.FocusMaxPatch != 0 {
		focusBoxes := focusBBoxes(params.FocusTokens, width, height, params.FocusConfBP, params.FocusGapPx)
		if params.FocusMaxPatch > 0 && len(focusBoxes) > params.FocusMaxPatch {
			focusBoxes = focusBoxes[:params.FocusMaxPatch]
		}
		existing := map[BBox]bool{}
		for _, t := range tiles {
			existing[t.BBox] = true
		}
		for idx, bbox := range focusBoxes {
			expanded := ClampBBox(BBox{
				bbox[0] - params.FocusPadding, bbox[1] - params.FocusPadding,
				bbox[2] + params.FocusPadding, bbox[3] + params.FocusPadding,
			}, width, height)
			if existing[expanded] {
				continue
			}
			patchID := patchIDFor("focus", expanded, idx)
			tiles = append(tiles, makePatch(patchID, expanded, rgb))
			existing[expanded] = true
		}
	}

	sort.SliceStable(tiles, func(i, j int) bool {
		bi, bj := tiles[i].BBox, tiles[j].BBox
		if bi[1] != bj[1] {
			return bi[1] < bj[1]
		}
		if bi[0] != bj[0] {
			return bi[0] < bj[0]
		}
		ai := (bi[2] - bi[0]) * (bi[3] - bi[1])
		aj := (bj[2] - bj[0]) * (bj[3] - bj[1])
		if ai != aj {
			return ai > aj
		}
		return tiles[i].PatchID < tiles[j].PatchID
	})

	if err := ensureCoverage(tiles, width, height, params.AddFullFrame); err != nil {
		return nil, err
	}
	if err := ensureUniqueIDs(tiles); err != nil {
		return nil, err
	}
	return tiles, nil
}

func tileStarts(limit, size, step int) []int {
	if limit <= size {
		return []int{0}
	}
	var starts []int
	for s := 0; s < maxInt(1, limit-size+1); s += step {
		starts = append(starts, s)
	}
	last := limit - size
	if len(starts) == 0 || starts[len(starts)-1] != last {
		starts = append(starts, last)
	}
	return starts
}

func focusBBoxes(tokens []Token, width, height, confBP, gapPx int) []BBox {
	var selected []BBox
	for _, t := range tokens {
		if confBP != 0 && t.ConfidenceBP >= confBP {
			continue
		}
		selected = append(selected, ClampBBox(t.BBox, width, height))
	}
	if len(selected) == 0 {
		return nil
	}
	sort.Slice(selected, func(i, j int) bool {
		a, b := selected[i], selected[j]
		if a[1] != b[1] {
			return a[1] < b[1]
		}
		return a[0] < b[0]
	})
	var clusters []BBox
	for _, bbox := range selected {
		placed := false
		for idx, cluster := range clusters {
			if bboxClose(cluster, bbox, gapPx) {
				clusters[idx] = BBoxUnion([]BBox{cluster, bbox})
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, bbox)
		}
	}
	sort.Slice(clusters, func(i, j int) bool {
		a, b := clusters[i], clusters[j]
		if a[1] != b[1] {
			return a[1] < b[1]
		}
		return a[0] < b[0]
	})
	return clusters
}

func bboxClose(a, b BBox, gap int) bool {
	return !(a[2]+gap < b[0] || b[2]+gap < a[0] || a[3]+gap < b[1] || b[3]+gap < a[1])
}

func makePatch(patchID string, bbox BBox, rgb *image.RGBA) Patch {
	sub := rgb.SubImage(image.Rect(bbox[0], bbox[1], bbox[2], bbox[3])).(*image.RGBA)
	var buf bytes.Buffer
	_ = png.Encode(&buf, sub)
	return Patch{PatchID: patchID, BBox: bbox, Width: bbox[2] - bbox[0], Height: bbox[3] - bbox[1], ImageBytes: buf.Bytes()}
}

func patchIDFor(prefix string, bbox BBox, idx ...int) string {
	parts := prefix
	if len(idx) > 0 {
		parts += "-" + itoa(idx[0])
	}
	return parts + "-" + itoa(bbox[1]) + "-" + itoa(bbox[0]) + "-" + itoa(bbox[3]) + "-" + itoa(bbox[2])
}

func itoa(v int) string {
	neg := v < 0
	if neg {
		v = -v
	}
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func ensureCoverage(tiles []Patch, width, height int, addFullFrame bool) error {
	if addFullFrame {
		return nil
	}
	stepX := maxInt(1, width/32)
	stepY := maxInt(1, height/32)
	covered := map[[2]int]bool{}
	for _, tile := range tiles {
		for yy := tile.BBox[1]; yy < tile.BBox[3]; yy += stepY {
			for xx := tile.BBox[0]; xx < tile.BBox[2]; xx += stepX {
				covered[[2]int{xx / stepX, yy / stepY}] = true
			}
		}
	}
	total := ((width + stepX - 1) / stepX) * ((height + stepY - 1) / stepY)
	if len(covered) < total {
		return kerr.New(kerr.Integrity, "tile coverage incomplete")
	}
	return nil
}

func ensureUniqueIDs(tiles []Patch) error {
	seen := map[string]bool{}
	for _, t := range tiles {
		if t.PatchID == "" {
			return kerr.New(kerr.Integrity, "missing patch_id")
		}
		if seen[t.PatchID] {
			return kerr.New(kerr.Integrity, "duplicate patch_id: "+t.PatchID)
		}
		seen[t.PatchID] = true
	}
	return nil
}
