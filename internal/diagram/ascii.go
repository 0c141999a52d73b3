package diagram

import (
	"fmt"
	"strings"
)

// Box-drawing runes.
const (
	cornerTL = "┌"
	cornerTR = "┐"
	cornerBL = "└"
	cornerBR = "┘"
	edgeH    = "─"
	edgeV    = "│"
	arrow    = "▼"
	boxGap   = "  "
)

var statusTags = map[string]string{
	"completed": "[OK]",
	"failed":    "[FAIL]",
	"running":   "[RUN]",
	"skipped":   "[SKIP]",
	"pending":   "[PEND]",
}

// statusTag returns the bracketed marker shown under a step, or "" for an
// unknown status.
func statusTag(status string) string {
	return statusTags[status]
}

// RenderASCII draws the model level by level: every level is one row of
// boxes, rows are joined by an arrow, and guarded steps list their
// condition at the bottom.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	rowWidth := 0
	for i, level := range model.Levels {
		var row []box
		for _, id := range level {
			if node := model.Node(id); node != nil {
				row = append(row, newBox(nodeLines(node)))
			}
		}
		if len(row) == 0 {
			continue
		}
		if i > 0 {
			writeArrow(&b, rowWidth)
		}
		rowWidth = writeRow(&b, row)
	}

	var guards []string
	for _, node := range model.Nodes {
		if node.Kind == NodeKindConditional {
			guards = append(guards, fmt.Sprintf("  %s: %s", node.ID, node.Condition))
		}
	}
	if len(guards) > 0 {
		b.WriteString("\n--- conditions ---\n")
		b.WriteString(strings.Join(guards, "\n"))
		b.WriteByte('\n')
	}
	return b.String()
}

// nodeLines is the text inside a node's box.
func nodeLines(node *Node) []string {
	label := firstLine(node.Label)
	if node.Kind == NodeKindConditional {
		label = "? " + label
	}
	lines := []string{label}
	if node.Tool != "" {
		lines = append(lines, node.Tool)
	}

	st := node.Status
	if st == nil {
		return lines
	}
	if tag := statusTag(st.Status); tag != "" {
		lines = append(lines, tag)
	}
	switch {
	case st.Error != "":
		lines = append(lines, st.Error)
	case st.SkipReason != "":
		lines = append(lines, st.SkipReason)
	}
	if st.DurationMs > 0 {
		lines = append(lines, fmt.Sprintf("%dms", st.DurationMs))
	}
	return lines
}

// firstLine returns s up to its first newline.
func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

type box struct {
	lines []string
	width int
}

func newBox(content []string) box {
	inner := 0
	for _, c := range content {
		inner = max(inner, len(c))
	}
	bar := strings.Repeat(edgeH, inner+2)

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, cornerTL+bar+cornerTR)
	for _, c := range content {
		lines = append(lines, edgeV+" "+c+strings.Repeat(" ", inner-len(c))+" "+edgeV)
	}
	lines = append(lines, cornerBL+bar+cornerBR)
	return box{lines: lines, width: inner + 4}
}

// writeRow prints boxes side by side, top-aligned, and returns the row's
// width in columns.
func writeRow(b *strings.Builder, row []box) int {
	height, width := 0, 0
	for i, bx := range row {
		height = max(height, len(bx.lines))
		width += bx.width
		if i > 0 {
			width += len(boxGap)
		}
	}

	for line := 0; line < height; line++ {
		var sb strings.Builder
		for i, bx := range row {
			if i > 0 {
				sb.WriteString(boxGap)
			}
			if line < len(bx.lines) {
				sb.WriteString(bx.lines[line])
			} else {
				sb.WriteString(strings.Repeat(" ", bx.width))
			}
		}
		b.WriteString(strings.TrimRight(sb.String(), " "))
		b.WriteByte('\n')
	}
	return width
}

// writeArrow centres a down arrow under a row of the given width.
func writeArrow(b *strings.Builder, width int) {
	pad := strings.Repeat(" ", max(width/2, 1))
	b.WriteString(pad + edgeV + "\n")
	b.WriteString(pad + arrow + "\n")
}
