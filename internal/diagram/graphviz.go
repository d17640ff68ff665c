package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderPNG renders the model to PNG bytes via graphviz dot layout.
func RenderPNG(ctx context.Context, model *Model) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		gvNode, nErr := graph.CreateNodeByName(node.ID)
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, nErr)
		}
		gvNode.SetLabel(firstLine(node.Label))
		applyNodeStyle(gvNode, node)
		gvNodes[node.ID] = gvNode
	}

	// Composite bodies as dashed clusters.
	for _, node := range model.Nodes {
		for _, sg := range node.Children {
			sub, subErr := graph.CreateSubGraphByName("cluster_" + node.ID + "_" + sg.Label)
			if subErr != nil {
				continue
			}
			sub.SetLabel(sg.Label)
			sub.SetStyle(cgraph.DashedGraphStyle)

			for _, subNode := range sg.Nodes {
				gvSub, nErr := sub.CreateNodeByName(subNode.ID)
				if nErr != nil {
					continue
				}
				gvSub.SetLabel(firstLine(subNode.Label))
				applyNodeStyle(gvSub, subNode)
				gvNodes[subNode.ID] = gvSub
			}
			addEdges(graph, gvNodes, sg.Edges)
		}
	}

	addEdges(graph, gvNodes, model.Edges)

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func addEdges(graph *cgraph.Graph, gvNodes map[string]*cgraph.Node, edges []Edge) {
	for _, edge := range edges {
		from, to := gvNodes[edge.From], gvNodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		e, err := graph.CreateEdgeByName("", from, to)
		if err == nil && edge.Label != "" {
			e.SetLabel(edge.Label)
		}
	}
}

func applyNodeStyle(gvNode *cgraph.Node, node *Node) {
	switch node.Kind {
	case KindConditional, KindSwitch:
		gvNode.SetShape(cgraph.DiamondShape)
	case KindTransform:
		gvNode.SetShape(cgraph.ParallelogramShape)
	case KindApproval:
		gvNode.SetShape(cgraph.HexagonShape)
	case KindDelay:
		gvNode.SetShape(cgraph.EllipseShape)
	case KindStart, KindEnd:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	default:
		gvNode.SetShape(cgraph.BoxShape)
	}

	if node.Status != nil {
		applyStatusColor(gvNode, node.Status.Status)
	}
}

func applyStatusColor(gvNode *cgraph.Node, status string) {
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	switch status {
	case "completed":
		gvNode.SetFillColor("#2d6a2d")
		gvNode.SetFontColor("white")
	case "failed":
		gvNode.SetFillColor("#8b1a1a")
		gvNode.SetFontColor("white")
	case "running", "retrying":
		gvNode.SetFillColor("#1a5276")
		gvNode.SetFontColor("white")
	case "waiting":
		gvNode.SetFillColor("#b7791a")
		gvNode.SetFontColor("white")
	case "pending", "scheduled":
		gvNode.SetFillColor("#d3d3d3")
		gvNode.SetFontColor("black")
	case "skipped":
		gvNode.SetFillColor("#e8e8e8")
		gvNode.SetFontColor("#888888")
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	}
}
