package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Analyze parses a raw graph definition and derives its descriptor: edge
// list, source and sink nodes, and the externally bindable input/output
// slots. Graphs in the editor's UI format (top-level "nodes" key) are
// rejected; only the flat node-map execution format is accepted.
func Analyze(id string, raw []byte) (*Descriptor, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("parsing workflow %s: %w", id, err)
	}
	if _, ok := top["nodes"]; ok {
		return nil, fmt.Errorf("workflow %s is a UI-format graph, not an execution graph", id)
	}

	graph := make(map[string]Node, len(top))
	for nodeID, rawNode := range top {
		var node Node
		if err := json.Unmarshal(rawNode, &node); err != nil {
			return nil, fmt.Errorf("parsing workflow %s node %s: %w", id, nodeID, err)
		}
		if node.ClassType == "" {
			continue
		}
		if node.Inputs == nil {
			node.Inputs = map[string]any{}
		}
		graph[nodeID] = node
	}

	var edges []Edge
	incoming := make(map[string]int, len(graph))
	outgoing := make(map[string]int, len(graph))
	for nodeID := range graph {
		incoming[nodeID] = 0
		outgoing[nodeID] = 0
	}

	for nodeID, node := range graph {
		for param, value := range node.Inputs {
			source, ok := edgeRef(value)
			if !ok {
				continue
			}
			edges = append(edges, Edge{From: source, To: nodeID, Parameter: param})
			if _, exists := graph[source]; exists {
				incoming[nodeID]++
				outgoing[source]++
			}
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		if edges[i].To != edges[j].To {
			return edges[i].To < edges[j].To
		}
		return edges[i].Parameter < edges[j].Parameter
	})

	var sources, sinks []string
	for nodeID, node := range graph {
		if incoming[nodeID] == 0 && len(node.Inputs) > 0 {
			sources = append(sources, nodeID)
		}
		if outgoing[nodeID] == 0 {
			sinks = append(sinks, nodeID)
		}
	}
	sort.Strings(sources)
	sort.Strings(sinks)

	var inputs []InputSlot
	var outputs []OutputSlot
	for nodeID, node := range graph {
		switch {
		case isInputClass(node.ClassType):
			inputs = append(inputs, InputSlot{
				NodeID:      nodeID,
				ClassType:   node.ClassType,
				Type:        inputSlotTypes[node.ClassType],
				Default:     node.Inputs["value"],
				DisplayName: stringInput(node, "display_name"),
				Description: stringInput(node, "description"),
			})
		case isOutputClass(node.ClassType):
			outputs = append(outputs, OutputSlot{NodeID: nodeID, ClassType: node.ClassType})
		}
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].NodeID < inputs[j].NodeID })
	sort.Slice(outputs, func(i, j int) bool { return outputs[i].NodeID < outputs[j].NodeID })

	return &Descriptor{
		ID:        id,
		Graph:     graph,
		Edges:     edges,
		SourceIDs: sources,
		SinkIDs:   sinks,
		Inputs:    inputs,
		Outputs:   outputs,
	}, nil
}

// edgeRef reports whether an input value is a [source_node_id, output_index]
// reference and returns the source node id.
func edgeRef(value any) (string, bool) {
	arr, ok := value.([]any)
	if !ok || len(arr) == 0 {
		return "", false
	}
	source, ok := arr[0].(string)
	return source, ok
}

func stringInput(node Node, key string) string {
	s, _ := node.Inputs[key].(string)
	return s
}
