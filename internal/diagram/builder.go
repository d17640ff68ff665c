package diagram

import (
	"fmt"

	"github.com/skein-dev/skein/internal/store"
	"github.com/skein-dev/skein/pkg/schema"
)

// Build turns a definition into a Model. Step records, when given, become
// status overlays; nested step records are matched by their qualified ID
// (parent.branch.child). Build is tolerant: it never fails, and definitions
// with unresolvable dependencies degrade to a single flat level.
func Build(def *schema.WorkflowDefinition, records []*store.StepRecord) *Model {
	overlays := make(map[string]*Overlay, len(records))
	for _, rec := range records {
		overlays[rec.StepID] = recordOverlay(rec)
	}

	nodes := make([]*Node, 0, len(def.Steps)+2)
	start := &Node{ID: "__start__", Label: "Start", Kind: KindStart}
	nodes = append(nodes, start)

	for i := range def.Steps {
		step := &def.Steps[i]
		node := &Node{
			ID:     step.ID,
			Label:  stepLabel(step),
			Kind:   stepKind(step),
			Status: overlays[step.ID],
		}
		for _, sg := range subGraphs(step, overlays) {
			node.Children = append(node.Children, sg)
		}
		nodes = append(nodes, node)
	}

	end := &Node{ID: "__end__", Label: "End", Kind: KindEnd}
	nodes = append(nodes, end)

	return &Model{
		Title:  titleOf(def),
		Nodes:  nodes,
		Edges:  topEdges(def),
		Levels: topLevels(def),
	}
}

func stepKind(step *schema.WorkflowStep) NodeKind {
	switch step.EffectiveKind() {
	case schema.StepKindTransform:
		return KindTransform
	case schema.StepKindConditional:
		return KindConditional
	case schema.StepKindSwitch:
		return KindSwitch
	case schema.StepKindLoop:
		return KindLoop
	case schema.StepKindScatterGather:
		return KindScatter
	case schema.StepKindSubWorkflow:
		return KindSubWorkflow
	case schema.StepKindDelay:
		return KindDelay
	case schema.StepKindHumanApproval:
		return KindApproval
	default:
		return KindAction
	}
}

func stepLabel(step *schema.WorkflowStep) string {
	if step.Action != nil && step.Action.Provider != "" {
		return fmt.Sprintf("%s (%s.%s)", step.ID, step.Action.Provider, step.Action.Action)
	}
	if step.SubWorkflow != nil && step.SubWorkflow.Workflow != "" {
		return fmt.Sprintf("%s (%s)", step.ID, step.SubWorkflow.Workflow)
	}
	return step.ID
}

func recordOverlay(rec *store.StepRecord) *Overlay {
	errStr := ""
	if len(rec.Error) > 0 {
		errStr = string(rec.Error)
	}
	return &Overlay{
		Status:     string(rec.Status),
		DurationMs: rec.DurationMs,
		Attempts:   rec.Attempts,
		Error:      errStr,
	}
}

// subGraphs walks the composite bodies of a step. Qualified IDs follow the
// engine's parent.branch.child convention so overlays line up with step
// records written during execution.
func subGraphs(step *schema.WorkflowStep, overlays map[string]*Overlay) []*SubGraph {
	bodies, labels := step.Bodies()
	graphs := make([]*SubGraph, 0, len(bodies))
	for b, body := range bodies {
		if len(body) == 0 {
			continue
		}
		graphs = append(graphs, bodyGraph(step.ID, labels[b], body, overlays))
	}
	return graphs
}

func bodyGraph(parentID, label string, body []schema.WorkflowStep, overlays map[string]*Overlay) *SubGraph {
	sg := &SubGraph{Label: label}
	local := make(map[string]string, len(body)) // plain ID -> qualified ID

	for i := range body {
		sub := &body[i]
		qid := parentID + "." + label + "." + sub.ID
		sg.Nodes = append(sg.Nodes, &Node{
			ID:     qid,
			Label:  stepLabel(sub),
			Kind:   stepKind(sub),
			Status: overlays[qid],
		})
		local[sub.ID] = qid
	}
	for i := range body {
		sub := &body[i]
		for _, dep := range sub.DependsOn {
			if from, ok := local[dep]; ok {
				sg.Edges = append(sg.Edges, Edge{From: from, To: local[sub.ID]})
			}
		}
	}
	return sg
}

// topEdges links __start__ to root steps, dependency edges between top-level
// steps, and leaves to __end__.
func topEdges(def *schema.WorkflowDefinition) []Edge {
	known := make(map[string]bool, len(def.Steps))
	hasDependent := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		known[def.Steps[i].ID] = true
	}

	var edges []Edge
	for i := range def.Steps {
		step := &def.Steps[i]
		rooted := true
		for _, dep := range step.DependsOn {
			if known[dep] {
				edges = append(edges, Edge{From: dep, To: step.ID})
				hasDependent[dep] = true
				rooted = false
			}
		}
		if rooted {
			edges = append(edges, Edge{From: "__start__", To: step.ID})
		}
	}
	for i := range def.Steps {
		if !hasDependent[def.Steps[i].ID] {
			edges = append(edges, Edge{From: def.Steps[i].ID, To: "__end__"})
		}
	}
	return edges
}

// topLevels batches top-level steps by dependency depth, bracketed by the
// virtual start and end levels. On a cycle the unplaced remainder goes into
// one trailing level rather than failing the render.
func topLevels(def *schema.WorkflowDefinition) [][]string {
	known := make(map[string]bool, len(def.Steps))
	for i := range def.Steps {
		known[def.Steps[i].ID] = true
	}

	placed := make(map[string]bool, len(def.Steps))
	levels := [][]string{{"__start__"}}
	remaining := len(def.Steps)

	for remaining > 0 {
		var level []string
		for i := range def.Steps {
			step := &def.Steps[i]
			if placed[step.ID] {
				continue
			}
			ready := true
			for _, dep := range step.DependsOn {
				if known[dep] && !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, step.ID)
			}
		}
		if len(level) == 0 {
			for i := range def.Steps {
				if !placed[def.Steps[i].ID] {
					level = append(level, def.Steps[i].ID)
				}
			}
		}
		for _, id := range level {
			placed[id] = true
		}
		remaining -= len(level)
		levels = append(levels, level)
	}

	return append(levels, []string{"__end__"})
}

func titleOf(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	return "workflow"
}
