package diagram

import (
	"fmt"
	"slices"

	"github.com/rendis/taskflow/internal/validation"
	"github.com/rendis/taskflow/pkg/schema"
)

// Build constructs a DiagramModel from a template and an optional execution.
// Topology comes from validation.AnalyzeGraph; levels follow step depth.
// When exec is non-nil every step node carries its runtime status.
func Build(tpl *schema.WorkflowTemplate, exec *schema.Execution) (*DiagramModel, error) {
	g, result := validation.AnalyzeGraph(tpl.Steps)
	if err := result.ToError(); err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	model := &DiagramModel{Title: title(tpl)}
	model.Nodes = append(model.Nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for _, id := range g.Order {
		step := g.Steps[id]
		node := &Node{ID: id, Label: nodeLabel(step), Kind: stepTypeToKind(step.Type)}
		if exec != nil {
			overlayStatus(node, exec.StepRecord(id))
		}
		model.Nodes = append(model.Nodes, node)
	}
	model.Nodes = append(model.Nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	model.Edges = buildEdges(g)
	model.Levels = buildLevels(g)
	return model, nil
}

func title(tpl *schema.WorkflowTemplate) string {
	if tpl.Name == "" {
		return ""
	}
	return fmt.Sprintf("%s v%d", tpl.Name, tpl.Version)
}

func stepTypeToKind(st schema.StepType) NodeKind {
	switch st {
	case schema.StepTypeConditional:
		return NodeKindConditional
	case schema.StepTypeUserApproval:
		return NodeKindApproval
	case schema.StepTypeNotification:
		return NodeKindNotification
	default:
		return NodeKindTask
	}
}

// nodeLabel is the step name (or ID) followed by its type on a second line.
func nodeLabel(step *schema.Step) string {
	name := step.Name
	if name == "" {
		name = step.ID
	}
	return fmt.Sprintf("%s\n(%s)", name, step.Type)
}

func overlayStatus(node *Node, rec *schema.StepRecord) {
	if rec == nil {
		return
	}
	ov := &StatusOverlay{
		Status:   string(rec.Status),
		Attempts: rec.Attempts,
		Branch:   rec.Branch,
	}
	if rec.StartedAt != nil && rec.CompletedAt != nil {
		ov.DurationMs = rec.CompletedAt.Sub(*rec.StartedAt).Milliseconds()
	}
	if rec.Error != nil {
		ov.Error = rec.Error.Message
	}
	node.Status = ov
}

// buildEdges connects roots to start, sinks to end and every dependency to
// its dependent. An edge out of a conditional step toward a step it lists
// under a branch is labelled with the branch key.
func buildEdges(g *validation.Graph) []Edge {
	var edges []Edge
	for _, id := range g.Roots {
		edges = append(edges, Edge{From: StartID, To: id})
	}
	for _, id := range g.Order {
		for _, dep := range g.Deps[id] {
			edges = append(edges, Edge{From: dep, To: id, Label: branchLabel(g.Steps[dep], id)})
		}
	}
	for _, id := range g.Order {
		if len(g.Dependents[id]) == 0 {
			edges = append(edges, Edge{From: id, To: EndID})
		}
	}
	return edges
}

func branchLabel(from *schema.Step, to string) string {
	if from.Type != schema.StepTypeConditional {
		return ""
	}
	cfg := schema.ParseConditionalConfig(from.Configuration)
	var labels []string
	for name, targets := range cfg.Branches {
		if slices.Contains(targets, to) {
			labels = append(labels, name)
		}
	}
	slices.Sort(labels)
	switch len(labels) {
	case 0:
		return ""
	case 1:
		return labels[0]
	default:
		return fmt.Sprint(labels)
	}
}

// buildLevels groups steps by depth, bracketed by the virtual start and end.
func buildLevels(g *validation.Graph) [][]string {
	levels := make([][]string, g.MaxDepth+2)
	levels[0] = []string{StartID}
	for _, id := range g.Order {
		d := g.Depth[id]
		levels[d] = append(levels[d], id)
	}
	levels[len(levels)-1] = []string{EndID}
	return levels
}
