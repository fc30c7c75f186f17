package workflow

import (
	"fmt"
	"math"
	"strings"
)

// Input slot type constants, derived from the input node's class.
const (
	TypeText    = "text"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeImage   = "image"
)

// Class prefixes that mark a node as an externally bindable slot.
const (
	inputClassPrefix  = "ApiInput"
	outputClassPrefix = "ApiImageOutput"
)

// inputSlotTypes maps known input node classes to their declared value type.
var inputSlotTypes = map[string]string{
	"ApiInputText":    TypeText,
	"ApiInputNumber":  TypeNumber,
	"ApiInputInteger": TypeInteger,
	"ApiInputImage":   TypeImage,
}

// Node is a single node definition in an execution graph. Inputs values that
// are [source_node_id, output_index] arrays reference other nodes; everything
// else is a literal parameter.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Edge is one data dependency between two graph nodes.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Parameter string `json:"parameter"`
}

// InputSlot is a declared external input of a workflow: a node whose value is
// supplied by the caller at admission time.
type InputSlot struct {
	NodeID      string `json:"node_id"`
	ClassType   string `json:"class_type"`
	Type        string `json:"type,omitempty"`
	Default     any    `json:"default,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
}

// Required reports whether the slot must be bound at admission. Slots with a
// declared default may be left unbound.
func (s InputSlot) Required() bool {
	return s.Default == nil
}

// OutputSlot is a declared output node of a workflow.
type OutputSlot struct {
	NodeID    string `json:"node_id"`
	ClassType string `json:"class_type"`
}

// Descriptor is the analyzed, immutable contract of one workflow graph.
type Descriptor struct {
	ID        string          `json:"workflow_id"`
	Graph     map[string]Node `json:"graph"`
	Edges     []Edge          `json:"edges"`
	SourceIDs []string        `json:"source_ids"`
	SinkIDs   []string        `json:"sink_ids"`
	Inputs    []InputSlot     `json:"inputs"`
	Outputs   []OutputSlot    `json:"outputs"`
}

// Validation failure reasons.
const (
	ReasonMissingInput = "missing_input"
	ReasonTypeMismatch = "type_mismatch"
	ReasonUnknownInput = "unknown_input"
)

// ValidationError reports why a set of input bindings was rejected. NodeID
// names the offending slot (or binding key for unknown inputs).
type ValidationError struct {
	Reason string `json:"reason"`
	NodeID string `json:"node_id"`
	Detail string `json:"detail,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: node %s: %s", e.Reason, e.NodeID, e.Detail)
	}
	return fmt.Sprintf("%s: node %s", e.Reason, e.NodeID)
}

// Bind validates bindings against the descriptor's input slots and returns a
// copy of the graph with slot values applied and every output node tagged
// with outputID. The descriptor itself is never mutated.
func (d *Descriptor) Bind(bindings map[string]any, outputID string) (map[string]Node, *ValidationError) {
	slots := make(map[string]InputSlot, len(d.Inputs))
	for _, slot := range d.Inputs {
		slots[slot.NodeID] = slot
	}

	for nodeID := range bindings {
		if _, ok := slots[nodeID]; !ok {
			return nil, &ValidationError{Reason: ReasonUnknownInput, NodeID: nodeID, Detail: "not a declared input slot"}
		}
	}

	for _, slot := range d.Inputs {
		value, bound := bindings[slot.NodeID]
		if !bound {
			if slot.Required() {
				return nil, &ValidationError{Reason: ReasonMissingInput, NodeID: slot.NodeID, Detail: fmt.Sprintf("required %s input has no binding", slot.Type)}
			}
			continue
		}
		if !slotTypeAccepts(slot.Type, value) {
			return nil, &ValidationError{Reason: ReasonTypeMismatch, NodeID: slot.NodeID, Detail: fmt.Sprintf("value %v is not a valid %s", value, slot.Type)}
		}
	}

	graph := copyGraph(d.Graph)
	for _, slot := range d.Inputs {
		value, bound := bindings[slot.NodeID]
		if !bound {
			value = slot.Default
		}
		graph[slot.NodeID].Inputs["value"] = value
	}
	for _, out := range d.Outputs {
		graph[out.NodeID].Inputs["output_id"] = outputID
	}
	return graph, nil
}

// slotTypeAccepts reports whether a bound value's JSON kind satisfies the
// slot type. Untyped slots accept anything.
func slotTypeAccepts(slotType string, value any) bool {
	switch slotType {
	case TypeText, TypeImage:
		_, ok := value.(string)
		return ok
	case TypeNumber:
		return isNumeric(value)
	case TypeInteger:
		f, ok := asFloat(value)
		return ok && f == math.Trunc(f)
	default:
		return true
	}
}

func isNumeric(value any) bool {
	_, ok := asFloat(value)
	return ok
}

// asFloat widens the numeric kinds bindings arrive as: float64 from JSON
// decoding, int variants from in-process callers.
func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// copyGraph copies nodes and their input maps so binding never writes through
// to the descriptor. Nested values stay shared; binding only sets top-level
// input keys.
func copyGraph(graph map[string]Node) map[string]Node {
	out := make(map[string]Node, len(graph))
	for id, node := range graph {
		inputs := make(map[string]any, len(node.Inputs)+1)
		for k, v := range node.Inputs {
			inputs[k] = v
		}
		out[id] = Node{ClassType: node.ClassType, Inputs: inputs}
	}
	return out
}

// isInputClass reports whether a node class declares an input slot.
func isInputClass(classType string) bool {
	return strings.HasPrefix(classType, inputClassPrefix)
}

// isOutputClass reports whether a node class declares an output slot.
func isOutputClass(classType string) bool {
	return strings.HasPrefix(classType, outputClassPrefix)
}
