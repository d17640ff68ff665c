package diagram

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// RenderASCIIAuto prefers the mermaid-ascii CLI when a binary directory is
// configured and the tool exists there, falling back to RenderASCII.
func RenderASCIIAuto(model *Model, binDir string) string {
	if binDir != "" {
		binPath := filepath.Join(binDir, "mermaid-ascii")
		if _, err := os.Stat(binPath); err == nil {
			if result, err := RenderASCIIViaCLI(model, binPath); err == nil {
				return result
			}
		}
	}
	return RenderASCII(model)
}

// RenderASCIIViaCLI pipes simplified Mermaid syntax through the
// mermaid-ascii binary.
func RenderASCIIViaCLI(model *Model, binPath string) (string, error) {
	cmd := exec.Command(binPath)
	cmd.Stdin = strings.NewReader(RenderMermaidForCLI(model))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("mermaid-ascii: %w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}

// RenderMermaidForCLI emits the edge-only Mermaid dialect mermaid-ascii
// understands: no node declarations (the ["label"] form is rejected) and no
// subgraph blocks (silently ignored), so composite bodies are flattened into
// top-level edges and status rides inside the node IDs.
func RenderMermaidForCLI(model *Model) string {
	var b strings.Builder
	b.WriteString("graph TD\n")

	displayID := make(map[string]string, len(model.Nodes))
	for _, node := range model.Nodes {
		displayID[node.ID] = cliNodeID(node)
		for _, sg := range node.Children {
			for _, sub := range sg.Nodes {
				displayID[sub.ID] = cliNodeID(sub)
			}
		}
	}
	resolve := func(id string) string {
		if d, ok := displayID[id]; ok {
			return d
		}
		return mermaidSafeID(id)
	}

	for _, edge := range model.Edges {
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n",
			resolve(edge.From), mermaidEdgeLabel(edge), resolve(edge.To)))
	}

	for _, node := range model.Nodes {
		for _, sg := range node.Children {
			if len(sg.Nodes) > 0 {
				b.WriteString(fmt.Sprintf("    %s -->|%s| %s\n",
					resolve(node.ID), sg.Label, resolve(sg.Nodes[0].ID)))
			}
			for _, edge := range sg.Edges {
				b.WriteString(fmt.Sprintf("    %s -->%s %s\n",
					resolve(edge.From), mermaidEdgeLabel(edge), resolve(edge.To)))
			}
		}
	}

	return b.String()
}

// cliNodeID folds the status tag and duration into the node ID itself so
// they survive the CLI's label-less dialect.
func cliNodeID(node *Node) string {
	id := node.Label
	if id == "" {
		id = node.ID
	}
	id = firstLine(id)

	if idx := strings.Index(id, " ("); idx > 0 {
		id = id[:idx]
	}

	if node.Status != nil {
		if tag := cliStatusTag(node.Status.Status); tag != "" {
			id += "-" + tag
		}
		if node.Status.DurationMs > 0 {
			id += fmt.Sprintf("-%dms", node.Status.DurationMs)
		}
	}

	id = strings.ReplaceAll(id, " ", "-")
	return strings.ReplaceAll(id, ":", "-")
}

func cliStatusTag(status string) string {
	switch status {
	case "completed":
		return "OK"
	case "failed":
		return "FAIL"
	case "running":
		return "RUN"
	case "waiting":
		return "WAIT"
	case "skipped":
		return "SKIP"
	case "pending", "scheduled":
		return "PEND"
	case "retrying":
		return "RETRY"
	default:
		return ""
	}
}
