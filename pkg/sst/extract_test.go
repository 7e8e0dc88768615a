// Copyright 2025 Certen Protocol

package sst

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func spreadsheetGridTokens() []Token {
	return []Token{
		tok("h0", "A", 0, 0, 20, 20),
		tok("h1", "B", 40, 0, 60, 20),
		tok("h2", "C", 80, 0, 100, 20),
		tok("r1c0", "1", 0, 40, 20, 60),
		tok("r1c1", "10", 40, 40, 60, 60),
		tok("r1c2", "20", 80, 40, 100, 60),
		tok("r2c0", "2", 0, 80, 20, 100),
		tok("r2c1", "30", 40, 80, 60, 100),
		tok("r2c2", "40", 80, 80, 100, 100),
	}
}

func TestRefineSpreadsheetDetectsLetterHeaderAndRowNumberGrid(t *testing.T) {
	tokens := spreadsheetGridTokens()
	tables := []Table{*ExtractTables(tokens, "table-0", TableParams{RowGapPx: 10, ColGapPx: 20})}
	require.Len(t, tables[0].Cells, 9)

	sheet := RefineSpreadsheet(tokens, tables, "sheet-0")
	require.NotNil(t, sheet)
	require.Equal(t, "sheet-0", sheet.TableID)
}

func TestRefineSpreadsheetCapturesActiveCellRefAndFormulaBar(t *testing.T) {
	tokens := append(spreadsheetGridTokens(),
		tok("ref", "B12", 200, 0, 230, 20),
		tok("formula", "=SUM(A1:A2)", 250, 0, 320, 20),
	)
	tables := []Table{*ExtractTables(tokens, "table-0", TableParams{RowGapPx: 10, ColGapPx: 20})}

	sheet := RefineSpreadsheet(tokens, tables, "sheet-0")
	require.NotNil(t, sheet)
	require.Equal(t, "B12", sheet.ActiveCellRef)
	require.Equal(t, "=SUM(A1:A2)", sheet.FormulaBar)
}

func TestRefineSpreadsheetRejectsOrdinaryTable(t *testing.T) {
	tokens := []Token{
		tok("h0", "Name", 0, 0, 40, 20),
		tok("h1", "Count", 60, 0, 100, 20),
		tok("r1c0", "alice", 0, 40, 40, 60),
		tok("r1c1", "3", 60, 40, 100, 60),
		tok("r2c0", "bob", 0, 80, 40, 100),
		tok("r2c1", "5", 60, 80, 100, 100),
	}
	tables := []Table{*ExtractTables(tokens, "table-0", TableParams{RowGapPx: 10, ColGapPx: 20})}
	require.Nil(t, RefineSpreadsheet(tokens, tables, "sheet-0"))
}

func TestExtractChartsDetectsNumericTickColumn(t *testing.T) {
	tokens := []Token{
		tok("t0", "100", 300, 0, 330, 20),
		tok("t1", "80", 300, 40, 330, 60),
		tok("t2", "60", 300, 80, 330, 100),
		tok("t3", "40", 300, 120, 330, 140),
		tok("label", "Revenue", 0, 0, 80, 20),
	}
	charts := ExtractCharts(tokens, "chart", ChartParams{MinTicks: 3, TickGapPx: 15})
	require.Len(t, charts, 1)
	require.Equal(t, "axis_ticks", charts[0].Kind)
	require.Equal(t, []string{"100", "80", "60", "40"}, charts[0].TickLabels)
	require.Len(t, charts[0].TicksY, 4)
}

func TestExtractChartsRequiresMinTicks(t *testing.T) {
	tokens := []Token{
		tok("t0", "100", 300, 0, 330, 20),
		tok("t1", "80", 300, 40, 330, 60),
	}
	require.Empty(t, ExtractCharts(tokens, "chart", ChartParams{MinTicks: 3, TickGapPx: 15}))
}
