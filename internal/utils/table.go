package utils

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// TableFormatter renders rows as a boxed table for CLI output
type TableFormatter struct {
	headers []string
	rows    [][]string
	widths  []int
	maxCell int
}

// NewTableFormatter creates a table with the given headers
func NewTableFormatter(headers ...string) *TableFormatter {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	return &TableFormatter{headers: headers, widths: widths}
}

// WithMaxCellWidth truncates cells longer than n runes. Zero disables it.
func (t *TableFormatter) WithMaxCellWidth(n int) *TableFormatter {
	t.maxCell = n
	return t
}

// AddRow appends a row. Missing cells are blank and extra cells are dropped.
func (t *TableFormatter) AddRow(cells ...string) {
	row := make([]string, len(t.headers))
	for i := range row {
		if i < len(cells) {
			row[i] = t.truncate(cells[i])
		}
		if w := utf8.RuneCountInString(row[i]); w > t.widths[i] {
			t.widths[i] = w
		}
	}
	t.rows = append(t.rows, row)
}

// Len returns the number of rows
func (t *TableFormatter) Len() int {
	return len(t.rows)
}

func (t *TableFormatter) truncate(cell string) string {
	if t.maxCell <= 1 || utf8.RuneCountInString(cell) <= t.maxCell {
		return cell
	}
	runes := []rune(cell)
	return string(runes[:t.maxCell-1]) + "…"
}

// String returns the formatted table
func (t *TableFormatter) String() string {
	var sb strings.Builder
	t.writeBorder(&sb, "┌", "┬", "┐")
	t.writeRow(&sb, t.headers)
	t.writeBorder(&sb, "├", "┼", "┤")
	for _, row := range t.rows {
		t.writeRow(&sb, row)
	}
	t.writeBorder(&sb, "└", "┴", "┘")
	return sb.String()
}

// Render writes the table to w
func (t *TableFormatter) Render(w io.Writer) error {
	_, err := io.WriteString(w, t.String())
	return err
}

func (t *TableFormatter) writeRow(sb *strings.Builder, cells []string) {
	sb.WriteString("│")
	for i, cell := range cells {
		pad := t.widths[i] - utf8.RuneCountInString(cell)
		sb.WriteString(fmt.Sprintf(" %s%s │", cell, strings.Repeat(" ", pad)))
	}
	sb.WriteString("\n")
}

func (t *TableFormatter) writeBorder(sb *strings.Builder, left, middle, right string) {
	sb.WriteString(left)
	for i, w := range t.widths {
		sb.WriteString(strings.Repeat("─", w+2))
		if i < len(t.widths)-1 {
			sb.WriteString(middle)
		}
	}
	sb.WriteString(right)
	sb.WriteString("\n")
}
