// Copyright 2025 Certen Protocol
//
// Package sst implements the screenshot/structured-state tracking pipeline:
// frame normalize, temporal segment, tile, text/table/code/chart extract,
// element-graph matching, delta construction, action inference, and
// compliance redaction, ending in persistence through pkg/metadatastore.
// stage.go defines a pluggable Stage interface; Pipeline calls its steps
// directly in a fixed order and does not run them as Stages.
package sst

// BBox is (x1, y1, x2, y2) in frame pixel coordinates, x2/y2 exclusive.
type BBox [4]int

// Token is a single OCR/text-extraction result.
type Token struct {
	TokenID       string `json:"token_id"`
	Text          string `json:"text"`
	NormText      string `json:"norm_text"`
	BBox          BBox   `json:"bbox"`
	ConfidenceBP  int    `json:"confidence_bp"`
	LineID        string `json:"line_id,omitempty"`
	BlockID       string `json:"block_id,omitempty"`
}

// Line groups tokens sharing a horizontal band.
type Line struct {
	LineID   string   `json:"line_id"`
	TokenIDs []string `json:"token_ids"`
	BBox     BBox     `json:"bbox"`
	Text     string   `json:"text"`
}

// Block groups adjacent, aligned lines.
type Block struct {
	BlockID string   `json:"block_id"`
	LineIDs []string `json:"line_ids"`
	BBox    BBox     `json:"bbox"`
	Text    string   `json:"text"`
}

// TableCell is one cell of an extracted table or spreadsheet.
type TableCell struct {
	Row      int    `json:"row"`
	Col      int     `json:"col"`
	Text     string `json:"text"`
	NormText string `json:"norm_text"`
	BBox     BBox   `json:"bbox"`
}

// Table is an extracted table, spreadsheet region, or grid. ActiveCellRef
// and FormulaBar are only ever populated by RefineSpreadsheet, for rows
// that were promoted from Tables into Spreadsheets.
type Table struct {
	TableID       string      `json:"table_id"`
	BBox          BBox        `json:"bbox"`
	Cells         []TableCell `json:"cells"`
	CSV           string      `json:"csv"`
	ActiveCellRef string      `json:"active_cell_ref,omitempty"`
	FormulaBar    string      `json:"formula_bar,omitempty"`
}

// CodeBlock is an extracted source-code region.
type CodeBlock struct {
	BlockID  string   `json:"block_id"`
	BBox     BBox     `json:"bbox"`
	Language string   `json:"language"`
	Text     string   `json:"text"`
	Lines    []string `json:"lines"`
}

// Chart is an extracted chart/plot region: its bbox, a coarse kind label,
// and the y-axis tick positions and labels — chart semantic parsing is out
// of scope.
type Chart struct {
	ChartID    string   `json:"chart_id"`
	BBox       BBox     `json:"bbox"`
	Kind       string   `json:"kind"`
	TicksY     []int    `json:"ticks_y,omitempty"`
	TickLabels []string `json:"tick_labels,omitempty"`
}

// Element is one node of the UI element graph.
type Element struct {
	ElementID     string   `json:"element_id"`
	ParentID      string   `json:"parent_id,omitempty"`
	Type          string   `json:"type"`
	BBox          BBox     `json:"bbox"`
	Text          string   `json:"text,omitempty"`
	Interactable  bool     `json:"interactable"`
	Depth         int      `json:"depth"`
	Order         int      `json:"order"`
	TokenIDs      []string `json:"token_ids,omitempty"`
	TextRefs      []string `json:"text_refs,omitempty"`
	Z             int      `json:"z"`
	State         string   `json:"state,omitempty"`
}

// ElementGraph is the full parsed UI tree for one frame.
type ElementGraph struct {
	Elements []Element `json:"elements"`
}

// Cursor is the detected pointer location, if any.
type Cursor struct {
	BBox BBox `json:"bbox"`
}

// State is one normalized, extracted, matched frame: the unit that delta
// construction and action inference diff against the previous State.
type State struct {
	StateID         string        `json:"state_id"`
	RunID           string        `json:"run_id"`
	TsMS            int64         `json:"ts_ms"`
	ImageSha256     string        `json:"image_sha256"`
	PHash           string        `json:"phash"`
	Width           int           `json:"width"`
	Height          int           `json:"height"`
	WindowTitle     string        `json:"window_title,omitempty"`
	VisibleApps     []string      `json:"visible_apps"`
	Tokens          []Token       `json:"tokens"`
	Lines           []Line        `json:"lines"`
	Blocks          []Block       `json:"blocks"`
	Tables          []Table       `json:"tables"`
	Spreadsheets    []Table       `json:"spreadsheets"`
	CodeBlocks      []CodeBlock   `json:"code_blocks"`
	Charts          []Chart       `json:"charts"`
	ElementGraph    ElementGraph  `json:"element_graph"`
	Cursor          *Cursor       `json:"cursor,omitempty"`
	FocusElementID  string        `json:"focus_element_id,omitempty"`
	ConfidenceBP    int           `json:"confidence_bp"`
}

// Change is one delta change entry.
type Change struct {
	Kind     string         `json:"kind"`
	TargetID string         `json:"target_id,omitempty"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// Delta is the diff between two consecutive States.
type Delta struct {
	DeltaID     string         `json:"delta_id"`
	FromStateID string         `json:"from_state_id"`
	ToStateID   string         `json:"to_state_id"`
	Changes     []Change       `json:"changes"`
	Summary     map[string]int `json:"summary"`
}

// ActionCandidate is one scored hypothesis about what the user did.
type ActionCandidate struct {
	Kind           string         `json:"kind"`
	TargetElementID string        `json:"target_element_id,omitempty"`
	ConfidenceBP   int            `json:"confidence_bp"`
	Evidence       map[string]any `json:"evidence,omitempty"`
}

// ActionEvent is the inferred user action between two states.
type ActionEvent struct {
	ActionID     string            `json:"action_id"`
	FromStateID  string            `json:"from_state_id"`
	ToStateID    string            `json:"to_state_id"`
	TsMS         int64             `json:"ts_ms"`
	Primary      ActionCandidate   `json:"primary"`
	Alternatives []ActionCandidate `json:"alternatives"`
	Impact       map[string]bool   `json:"impact"`
}

// SegmentDecision is segment.go's verdict on whether a new frame starts a
// new temporal segment.
type SegmentDecision struct {
	Boundary      bool   `json:"boundary"`
	Reason        string `json:"reason"`
	PHashDistance int    `json:"phash_distance"`
	DiffScoreBP   int    `json:"diff_score_bp"`
}
