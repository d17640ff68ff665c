package diagram

import (
	"fmt"
	"strings"
)

func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "waiting":
		return "[WAIT]"
	case "skipped":
		return "[SKIP]"
	case "pending", "scheduled":
		return "[PEND]"
	case "retrying":
		return "[RETRY]"
	default:
		return ""
	}
}

// RenderASCII renders the model as a text diagram: one box row per level,
// composite bodies listed below the main flow.
func RenderASCII(model *Model) string {
	var b strings.Builder

	if model.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n\n", model.Title))
	}

	for levelIdx, level := range model.Levels {
		var boxes []asciiBox
		for _, nodeID := range level {
			node := findNode(model.Nodes, nodeID)
			if node == nil {
				continue
			}
			boxes = append(boxes, makeBox(node))
		}
		renderBoxRow(&b, boxes)
		if levelIdx < len(model.Levels)-1 {
			renderConnector(&b, len(boxes))
		}
	}

	for _, node := range model.Nodes {
		if len(node.Children) > 0 {
			b.WriteString(fmt.Sprintf("\n--- %s sub-steps ---\n", node.ID))
			for _, sg := range node.Children {
				renderSubGraph(&b, sg)
			}
		}
	}

	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

func makeBox(node *Node) asciiBox {
	contentLines := []string{firstLine(node.Label)}

	if node.Status != nil {
		if tag := statusTag(node.Status.Status); tag != "" {
			contentLines = append(contentLines, tag)
		}
		if node.Status.DurationMs > 0 {
			contentLines = append(contentLines, fmt.Sprintf("%dms", node.Status.DurationMs))
		}
	}

	maxLen := 0
	for _, line := range contentLines {
		if len(line) > maxLen {
			maxLen = len(line)
		}
	}
	width := maxLen + 4

	var lines []string
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, content := range contentLines {
		padded := content + strings.Repeat(" ", maxLen-len(content))
		lines = append(lines, "│ "+padded+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")

	return asciiBox{lines: lines, width: width}
}

func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	if len(boxes) == 0 {
		return
	}

	maxHeight := 0
	for _, box := range boxes {
		if len(box.lines) > maxHeight {
			maxHeight = len(box.lines)
		}
	}

	for row := 0; row < maxHeight; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}

func renderConnector(b *strings.Builder, boxCount int) {
	if boxCount == 0 {
		return
	}
	b.WriteString("       │\n")
	b.WriteString("       ▼\n")
}

func renderSubGraph(b *strings.Builder, sg *SubGraph) {
	b.WriteString(fmt.Sprintf("  [%s]\n", sg.Label))
	for _, node := range sg.Nodes {
		tag := ""
		if node.Status != nil {
			tag = " " + statusTag(node.Status.Status)
		}
		b.WriteString(fmt.Sprintf("    %s%s\n", firstLine(node.Label), tag))
	}
	for _, edge := range sg.Edges {
		b.WriteString(fmt.Sprintf("    %s ─→ %s\n", shortID(edge.From), shortID(edge.To)))
	}
}

// shortID trims a qualified ID down to its final segment.
func shortID(id string) string {
	if i := strings.LastIndex(id, "."); i >= 0 {
		return id[i+1:]
	}
	return id
}

func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
