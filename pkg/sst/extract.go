// Copyright 2025 Certen Protocol

package sst

import (
	"regexp"
	"sort"
	"strings"
)

// TextExtractor recognizes text tokens in one tile. The OCR model behind an
// implementation (ONNX runtime, a cloud vision API, ...) is out of scope:
// this interface is the seam a concrete provider plugs into.
type TextExtractor interface {
	ExtractTokens(patch Patch, frameWidth, frameHeight int) ([]Token, error)
}

// PostprocessParams bounds what run_ocr_tokens keeps after providers run.
type PostprocessParams struct {
	MinConfidenceBP int
	NMSIOUBP        int
	MaxTokens       int
}

// PostprocessTokens drops low-confidence tokens, suppresses near-duplicate
// detections of the same text (non-max suppression by IOU), and caps the
// result to MaxTokens highest-confidence tokens.
func PostprocessTokens(tokens []Token, params PostprocessParams) []Token {
	var kept []Token
	for _, t := range tokens {
		if t.ConfidenceBP >= params.MinConfidenceBP {
			kept = append(kept, t)
		}
	}
	kept = nmsByText(kept, params.NMSIOUBP)
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].ConfidenceBP != kept[j].ConfidenceBP {
			return kept[i].ConfidenceBP > kept[j].ConfidenceBP
		}
		return kept[i].TokenID < kept[j].TokenID
	})
	if params.MaxTokens > 0 && len(kept) > params.MaxTokens {
		kept = kept[:params.MaxTokens]
	}
	return kept
}

func nmsByText(tokens []Token, iouThresholdBP int) []Token {
	threshold := float64(iouThresholdBP) / 10000.0
	byText := map[string][]Token{}
	var order []string
	for _, t := range tokens {
		key := strings.ToLower(t.NormText)
		if _, ok := byText[key]; !ok {
			order = append(order, key)
		}
		byText[key] = append(byText[key], t)
	}
	var out []Token
	for _, key := range order {
		group := byText[key]
		sort.Slice(group, func(i, j int) bool { return group[i].ConfidenceBP > group[j].ConfidenceBP })
		var surviving []Token
		for _, cand := range group {
			suppressed := false
			for _, s := range surviving {
				if BBoxIOU(cand.BBox, s.BBox) >= threshold {
					suppressed = true
					break
				}
			}
			if !suppressed {
				surviving = append(surviving, cand)
			}
		}
		out = append(out, surviving...)
	}
	return out
}

// TableParams configures row/column clustering for grid extraction.
type TableParams struct {
	RowGapPx int
	ColGapPx int
}

// ExtractTables clusters tokens into row-aligned, column-aligned grids —
// a cheap geometric table detector: tokens whose vertical centers fall
// within RowGapPx of each other form a row, then column boundaries are
// derived from the horizontal centers shared across rows.
func ExtractTables(tokens []Token, tableID string, params TableParams) *Table {
	if len(tokens) == 0 {
		return nil
	}
	rows := clusterRows(tokens, params.RowGapPx)
	if len(rows) < 2 {
		return nil
	}
	colCenters := clusterCols(rows, params.ColGapPx)
	if len(colCenters) < 2 {
		return nil
	}

	var cells []TableCell
	var bboxes []BBox
	for r, row := range rows {
		for _, tok := range row {
			midX := (tok.BBox[0] + tok.BBox[2]) / 2
			c := nearestColumn(colCenters, midX)
			cells = append(cells, TableCell{Row: r, Col: c, Text: tok.Text, NormText: tok.NormText, BBox: tok.BBox})
			bboxes = append(bboxes, tok.BBox)
		}
	}
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Row != cells[j].Row {
			return cells[i].Row < cells[j].Row
		}
		return cells[i].Col < cells[j].Col
	})
	return &Table{TableID: tableID, BBox: BBoxUnion(bboxes), Cells: cells, CSV: cellsToCSV(cells, len(rows), len(colCenters))}
}

func clusterRows(tokens []Token, rowGapPx int) [][]Token {
	ordered := append([]Token(nil), tokens...)
	sort.Slice(ordered, func(i, j int) bool {
		mi := (ordered[i].BBox[1] + ordered[i].BBox[3]) / 2
		mj := (ordered[j].BBox[1] + ordered[j].BBox[3]) / 2
		if mi != mj {
			return mi < mj
		}
		return ordered[i].BBox[0] < ordered[j].BBox[0]
	})
	var rows [][]Token
	var rowMid []int
	for _, t := range ordered {
		mid := (t.BBox[1] + t.BBox[3]) / 2
		placed := false
		for i, m := range rowMid {
			if absInt(mid-m) <= rowGapPx {
				rows[i] = append(rows[i], t)
				rowMid[i] = (m*len(rows[i]) + mid) / (len(rows[i]) + 1)
				placed = true
				break
			}
		}
		if !placed {
			rows = append(rows, []Token{t})
			rowMid = append(rowMid, mid)
		}
	}
	return rows
}

func clusterCols(rows [][]Token, colGapPx int) []int {
	var centers []int
	for _, row := range rows {
		for _, t := range row {
			centers = append(centers, (t.BBox[0]+t.BBox[2])/2)
		}
	}
	if len(centers) == 0 {
		return nil
	}
	sort.Ints(centers)
	var clustered []int
	var bucket []int
	flush := func() {
		if len(bucket) == 0 {
			return
		}
		sum := 0
		for _, v := range bucket {
			sum += v
		}
		clustered = append(clustered, sum/len(bucket))
		bucket = nil
	}
	last := centers[0]
	bucket = append(bucket, centers[0])
	for _, c := range centers[1:] {
		if c-last <= colGapPx {
			bucket = append(bucket, c)
		} else {
			flush()
			bucket = append(bucket, c)
		}
		last = c
	}
	flush()
	return clustered
}

func nearestColumn(centers []int, x int) int {
	best, bestDist := 0, -1
	for i, c := range centers {
		d := absInt(x - c)
		if bestDist == -1 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func cellsToCSV(cells []TableCell, rows, cols int) string {
	grid := make([][]string, rows)
	for i := range grid {
		grid[i] = make([]string, cols)
	}
	for _, c := range cells {
		if c.Row < rows && c.Col < cols {
			grid[c.Row][c.Col] = strings.ReplaceAll(c.NormText, ",", " ")
		}
	}
	var lines []string
	for _, row := range grid {
		lines = append(lines, strings.Join(row, ","))
	}
	return strings.Join(lines, "\n")
}

var (
	activeCellRefRe = regexp.MustCompile(`^[A-Z]{1,3}[1-9][0-9]{0,6}$`)
	formulaBarRe    = regexp.MustCompile(`^(=.+|fx)$`)
)

// RefineSpreadsheet promotes the first already-extracted Table to a
// spreadsheet when its shape matches a spreadsheet grid: single-letter
// column headers (A, B, C, ...) across the first row and sequential
// row numbers (1, 2, 3, ...) down the first column. Alongside the grid
// match it looks for an active-cell reference (a standalone token like
// "B12") and a formula bar (a token starting with "=", or the literal
// "fx" cell-reference box label) among the frame's tokens, the way a
// spreadsheet app's chrome surrounds its grid. Returns nil if the first
// table isn't a spreadsheet grid.
func RefineSpreadsheet(tokens []Token, tables []Table, sheetID string) *Table {
	if len(tables) == 0 {
		return nil
	}
	t := tables[0]
	if !hasLetterColumnHeaders(t) || !hasSequentialRowNumbers(t) {
		return nil
	}
	sheet := t
	sheet.TableID = sheetID
	sheet.ActiveCellRef = findActiveCellRef(tokens)
	sheet.FormulaBar = findFormulaBar(tokens)
	return &sheet
}

// hasLetterColumnHeaders reports whether row 0's cells spell out A, B, C,
// ... in column order, requiring at least two row-0 cells and at least half
// of them to match (a partial OCR miss on one column is allowed, since not
// every single cell has to match).
func hasLetterColumnHeaders(t Table) bool {
	row0 := make(map[int]string)
	for _, c := range t.Cells {
		if c.Row == 0 {
			row0[c.Col] = strings.ToUpper(strings.TrimSpace(c.NormText))
		}
	}
	if len(row0) < 2 {
		return false
	}
	matches := 0
	for col, text := range row0 {
		if text == string(rune('A'+col)) {
			matches++
		}
	}
	return matches*2 >= len(row0)
}

// hasSequentialRowNumbers reports whether column 0's cells below the
// header row read 1, 2, 3, ... in row order, with the same majority
// tolerance as hasLetterColumnHeaders.
func hasSequentialRowNumbers(t Table) bool {
	col0 := make(map[int]string)
	for _, c := range t.Cells {
		if c.Col == 0 && c.Row >= 1 {
			col0[c.Row] = strings.TrimSpace(c.NormText)
		}
	}
	if len(col0) < 2 {
		return false
	}
	matches := 0
	for row, text := range col0 {
		if text == itoa(row) {
			matches++
		}
	}
	return matches*2 >= len(col0)
}

// findActiveCellRef returns the first token that looks like a spreadsheet
// cell reference (e.g. "B12"), the way a cell-reference box shows the
// currently selected cell.
func findActiveCellRef(tokens []Token) string {
	for _, tok := range tokens {
		text := strings.ToUpper(strings.TrimSpace(tok.Text))
		if activeCellRefRe.MatchString(text) {
			return text
		}
	}
	return ""
}

// findFormulaBar returns the first token that looks like formula-bar
// content: a formula literal ("=SUM(A1:A4)") or the "fx" function-insert
// label spreadsheet UIs place next to the formula bar.
func findFormulaBar(tokens []Token) string {
	for _, tok := range tokens {
		text := strings.TrimSpace(tok.Text)
		if formulaBarRe.MatchString(text) {
			return text
		}
	}
	return ""
}

// MonospaceHint reports whether text looks like source code by a cheap
// heuristic: a high ratio of code-punctuation characters and the presence
// of common structural tokens.
func MonospaceHint(text string) bool {
	if text == "" {
		return false
	}
	punct := 0
	for _, r := range text {
		switch r {
		case '{', '}', '(', ')', ';', '=', '<', '>', '[', ']', ':':
			punct++
		}
	}
	ratio := float64(punct) / float64(len([]rune(text)))
	if ratio >= 0.04 {
		return true
	}
	for _, kw := range []string{"function ", "def ", "class ", "import ", "return ", "const ", "var ", "SELECT ", "package "} {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// ExtractCodeBlocks groups lines with a high monospace/code-punctuation
// score into contiguous code blocks.
func ExtractCodeBlocks(lines []Line, blockIDPrefix string) []CodeBlock {
	var blocks []CodeBlock
	var current []Line
	flush := func() {
		if len(current) == 0 {
			return
		}
		var bboxes []BBox
		var text []string
		var rawLines []string
		for _, l := range current {
			bboxes = append(bboxes, l.BBox)
			text = append(text, l.Text)
			rawLines = append(rawLines, l.Text)
		}
		blocks = append(blocks, CodeBlock{
			BlockID: blockIDPrefix + "-" + itoa(len(blocks)),
			BBox:    BBoxUnion(bboxes),
			Text:    strings.Join(text, "\n"),
			Lines:   rawLines,
		})
		current = nil
	}
	for _, l := range lines {
		if MonospaceHint(l.Text) {
			current = append(current, l)
		} else {
			flush()
		}
	}
	flush()
	return blocks
}

// ChartParams configures ExtractCharts' tick-region detection.
type ChartParams struct {
	MinTicks  int
	TickGapPx int
}

var numericTokenRe = regexp.MustCompile(`^-?\d[\d,]*(\.\d+)?[%kKmM]?$`)

// isNumericToken reports whether a token's normalized text looks like an
// axis tick value: a signed, optionally comma-grouped decimal with an
// optional %/k/m unit suffix, not prose or a table cell.
func isNumericToken(normText string) bool {
	if normText == "" {
		return false
	}
	return numericTokenRe.MatchString(normText)
}

// ExtractCharts detects chart tick regions the same way ExtractTables
// detects grids: it clusters numeric-looking tokens by x-center into
// vertical columns (a candidate axis), keeps columns with at least
// MinTicks members spaced no more than TickGapPx apart from their
// neighbor, and reports each surviving column as one Chart with its tick
// y-positions and labels captured in ascending order. Chart semantic
// parsing (series, legends) stays out of scope — this only locates axis
// tick regions and their labels.
func ExtractCharts(tokens []Token, chartIDPrefix string, params ChartParams) []Chart {
	minTicks := params.MinTicks
	if minTicks <= 0 {
		minTicks = 3
	}
	var numeric []Token
	for _, t := range tokens {
		if isNumericToken(t.NormText) {
			numeric = append(numeric, t)
		}
	}
	if len(numeric) < minTicks {
		return nil
	}

	colCenters := clusterCols([][]Token{numeric}, params.TickGapPx)
	var charts []Chart
	for _, center := range colCenters {
		var members []Token
		for _, t := range numeric {
			midX := (t.BBox[0] + t.BBox[2]) / 2
			if absInt(midX-center) <= params.TickGapPx {
				members = append(members, t)
			}
		}
		if len(members) < minTicks {
			continue
		}
		sort.Slice(members, func(i, j int) bool {
			mi := (members[i].BBox[1] + members[i].BBox[3]) / 2
			mj := (members[j].BBox[1] + members[j].BBox[3]) / 2
			if mi != mj {
				return mi < mj
			}
			return members[i].TokenID < members[j].TokenID
		})
		var ticksY []int
		var labels []string
		var bboxes []BBox
		for _, m := range members {
			ticksY = append(ticksY, (m.BBox[1]+m.BBox[3])/2)
			labels = append(labels, m.Text)
			bboxes = append(bboxes, m.BBox)
		}
		charts = append(charts, Chart{
			ChartID:    chartIDPrefix + "-" + itoa(len(charts)),
			BBox:       BBoxUnion(bboxes),
			Kind:       "axis_ticks",
			TicksY:     ticksY,
			TickLabels: labels,
		})
	}
	return charts
}
