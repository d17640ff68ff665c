package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders the model as a Mermaid flowchart.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))

		for _, sg := range node.Children {
			b.WriteString(fmt.Sprintf("    subgraph %s[\"%s: %s\"]\n",
				mermaidSafeID(node.ID+"_"+sg.Label), node.ID, sg.Label))
			for _, sub := range sg.Nodes {
				b.WriteString(fmt.Sprintf("        %s\n", mermaidNodeDef(sub)))
			}
			for _, edge := range sg.Edges {
				b.WriteString(fmt.Sprintf("        %s -->%s %s\n",
					mermaidSafeID(edge.From), mermaidEdgeLabel(edge), mermaidSafeID(edge.To)))
			}
			b.WriteString("    end\n")
		}
	}

	for _, edge := range model.Edges {
		b.WriteString(fmt.Sprintf("    %s -->%s %s\n",
			mermaidSafeID(edge.From), mermaidEdgeLabel(edge), mermaidSafeID(edge.To)))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef waiting fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		writeStatusClass(&b, node)
		for _, sg := range node.Children {
			for _, sub := range sg.Nodes {
				writeStatusClass(&b, sub)
			}
		}
	}

	return b.String()
}

func writeStatusClass(b *strings.Builder, node *Node) {
	if node.Status == nil {
		return
	}
	if cls := mermaidStatusClass(node.Status.Status); cls != "" {
		b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), cls))
	}
}

func mermaidEdgeLabel(edge Edge) string {
	if edge.Label == "" {
		return ""
	}
	return fmt.Sprintf("|%s|", edge.Label)
}

// mermaidNodeDef picks a node shape per kind: diamonds for routing steps,
// subroutine boxes for composites, stadiums for time-based steps.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)

	switch node.Kind {
	case KindConditional, KindSwitch:
		return fmt.Sprintf("%s{%q}", id, label)
	case KindTransform:
		return fmt.Sprintf("%s[/%q/]", id, label)
	case KindLoop, KindScatter, KindSubWorkflow:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case KindDelay:
		return fmt.Sprintf("%s([%q])", id, label)
	case KindApproval:
		return fmt.Sprintf("%s{{%q}}", id, label)
	case KindStart, KindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID maps qualified step IDs to Mermaid-safe identifiers.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")
	return r.Replace(id)
}

func mermaidStatusClass(status string) string {
	switch status {
	case "completed":
		return "completed"
	case "failed":
		return "failed"
	case "running", "retrying":
		return "running"
	case "waiting":
		return "waiting"
	case "pending", "scheduled":
		return "pending"
	case "skipped":
		return "skipped"
	default:
		return ""
	}
}
