// Copyright 2025 Certen Protocol

package sst

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func tok(id, text string, x1, y1, x2, y2 int) Token {
	return Token{TokenID: id, Text: text, NormText: NormText(text), BBox: BBox{x1, y1, x2, y2}, ConfidenceBP: 9000}
}

func TestAssembleLayoutGroupsTokensIntoLines(t *testing.T) {
	tokens := []Token{
		tok("t1", "hello", 0, 0, 40, 20),
		tok("t2", "world", 45, 2, 90, 22),
		tok("t3", "second", 0, 40, 60, 60),
	}
	params := LayoutParams{LineYThresholdPx: 6, BlockGapPx: 10, AlignTolerancePx: 5}
	lines, blocks := AssembleLayout(tokens, params)
	require.Len(t, lines, 2)
	require.Equal(t, "hello world", lines[0].Text)
	require.Equal(t, "second", lines[1].Text)
	require.NotEmpty(t, blocks)
	for _, tk := range tokens {
		require.NotEmpty(t, tk.LineID)
	}
}

func TestAssembleLayoutSplitsBlocksOnGap(t *testing.T) {
	tokens := []Token{
		tok("a", "one", 0, 0, 20, 20),
		tok("b", "two", 0, 25, 20, 45),
		tok("c", "far", 0, 500, 20, 520),
	}
	params := LayoutParams{LineYThresholdPx: 4, BlockGapPx: 20, AlignTolerancePx: 5}
	_, blocks := AssembleLayout(tokens, params)
	require.GreaterOrEqual(t, len(blocks), 2)
}

func TestAssembleLayoutEmptyInput(t *testing.T) {
	lines, blocks := AssembleLayout(nil, LayoutParams{})
	require.Nil(t, lines)
	require.Nil(t, blocks)
}
