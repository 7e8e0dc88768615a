// Copyright 2025 Certen Protocol

package sst

import (
	"sort"
)

// LayoutParams configures AssembleLayout's line/block grouping tolerances.
type LayoutParams struct {
	LineYThresholdPx int
	BlockGapPx       int
	AlignTolerancePx int
}

// AssembleLayout groups tokens into horizontal lines (by vertical midpoint
// proximity) and then lines into blocks (by vertical gap and left-edge
// alignment). It mutates tokens in place to stamp each token's line_id and
// block_id, same as the original's token annotation side effect.
func AssembleLayout(tokens []Token, params LayoutParams) ([]Line, []Block) {
	if len(tokens) == 0 {
		return nil, nil
	}
	ordered := append([]Token(nil), tokens...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].BBox[1] != ordered[j].BBox[1] {
			return ordered[i].BBox[1] < ordered[j].BBox[1]
		}
		if ordered[i].BBox[0] != ordered[j].BBox[0] {
			return ordered[i].BBox[0] < ordered[j].BBox[0]
		}
		return ordered[i].TokenID < ordered[j].TokenID
	})

	heights := make([]int, len(ordered))
	for i, t := range ordered {
		h := t.BBox[3] - t.BBox[1]
		if h < 1 {
			h = 1
		}
		heights[i] = h
	}
	medianH := medianInt(heights)
	lineThresh := maxInt(1, maxInt(params.LineYThresholdPx, medianH/2))

	type lineAccum struct {
		tokens []Token
		midY   int
		count  int
	}
	var lines []*lineAccum
	tokenByID := map[string]*Token{}
	for i := range ordered {
		tokenByID[ordered[i].TokenID] = &ordered[i]
	}
	for _, token := range ordered {
		midY := (token.BBox[1] + token.BBox[3]) / 2
		placed := false
		for _, line := range lines {
			if absInt(midY-line.midY) <= lineThresh {
				line.tokens = append(line.tokens, token)
				line.midY = (line.midY*line.count + midY) / (line.count + 1)
				line.count++
				placed = true
				break
			}
		}
		if !placed {
			lines = append(lines, &lineAccum{tokens: []Token{token}, midY: midY, count: 1})
		}
	}

	lineOut := make([]Line, 0, len(lines))
	for idx, line := range lines {
		toks := append([]Token(nil), line.tokens...)
		sort.Slice(toks, func(i, j int) bool {
			if toks[i].BBox[0] != toks[j].BBox[0] {
				return toks[i].BBox[0] < toks[j].BBox[0]
			}
			if toks[i].BBox[2] != toks[j].BBox[2] {
				return toks[i].BBox[2] < toks[j].BBox[2]
			}
			return toks[i].TokenID < toks[j].TokenID
		})
		bboxes := make([]BBox, len(toks))
		var text string
		tokenIDs := make([]string, len(toks))
		for i, t := range toks {
			bboxes[i] = t.BBox
			tokenIDs[i] = t.TokenID
			if t.Text != "" {
				if text != "" {
					text += " "
				}
				text += t.Text
			}
		}
		bbox := BBoxUnion(bboxes)
		lineID := "line-" + zeroPad(idx, 4)
		for _, tid := range tokenIDs {
			if tok, ok := tokenByID[tid]; ok {
				tok.LineID = lineID
			}
		}
		lineOut = append(lineOut, Line{LineID: lineID, TokenIDs: tokenIDs, BBox: bbox, Text: NormText(text)})
	}
	sort.Slice(lineOut, func(i, j int) bool {
		if lineOut[i].BBox[1] != lineOut[j].BBox[1] {
			return lineOut[i].BBox[1] < lineOut[j].BBox[1]
		}
		if lineOut[i].BBox[0] != lineOut[j].BBox[0] {
			return lineOut[i].BBox[0] < lineOut[j].BBox[0]
		}
		return lineOut[i].LineID < lineOut[j].LineID
	})

	type blockAccum struct {
		lines []Line
		x1    int
		y2    int
	}
	var blocks []*blockAccum
	for _, line := range lineOut {
		if len(blocks) == 0 {
			blocks = append(blocks, &blockAccum{lines: []Line{line}, x1: line.BBox[0], y2: line.BBox[3]})
			continue
		}
		prev := blocks[len(blocks)-1]
		gap := maxInt(0, line.BBox[1]-prev.y2)
		aligned := absInt(line.BBox[0]-prev.x1) <= params.AlignTolerancePx
		if gap <= params.BlockGapPx && aligned {
			prev.lines = append(prev.lines, line)
			prev.y2 = maxInt(prev.y2, line.BBox[3])
			continue
		}
		blocks = append(blocks, &blockAccum{lines: []Line{line}, x1: line.BBox[0], y2: line.BBox[3]})
	}

	blockOut := make([]Block, 0, len(blocks))
	for idx, block := range blocks {
		bboxes := make([]BBox, len(block.lines))
		var text string
		lineIDs := make([]string, len(block.lines))
		for i, l := range block.lines {
			bboxes[i] = l.BBox
			lineIDs[i] = l.LineID
			if l.Text != "" {
				if text != "" {
					text += "\n"
				}
				text += l.Text
			}
		}
		bbox := BBoxUnion(bboxes)
		blockID := "block-" + zeroPad(idx, 4)
		for _, lineID := range lineIDs {
			for i := range ordered {
				if ordered[i].LineID == lineID {
					ordered[i].BlockID = blockID
				}
			}
		}
		blockOut = append(blockOut, Block{BlockID: blockID, LineIDs: lineIDs, BBox: bbox, Text: NormText(text)})
	}
	sort.Slice(blockOut, func(i, j int) bool {
		if blockOut[i].BBox[1] != blockOut[j].BBox[1] {
			return blockOut[i].BBox[1] < blockOut[j].BBox[1]
		}
		if blockOut[i].BBox[0] != blockOut[j].BBox[0] {
			return blockOut[i].BBox[0] < blockOut[j].BBox[0]
		}
		return blockOut[i].BlockID < blockOut[j].BlockID
	})

	copy(tokens, ordered)
	return lineOut, blockOut
}

func medianInt(values []int) int {
	if len(values) == 0 {
		return 12
	}
	data := append([]int(nil), values...)
	sort.Ints(data)
	mid := len(data) / 2
	if len(data)%2 == 1 {
		return data[mid]
	}
	return (data[mid-1] + data[mid]) / 2
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func zeroPad(n, width int) string {
	s := itoa(n)
	for len(s) < width {
		s = "0" + s
	}
	return s
}
