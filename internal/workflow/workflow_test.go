package workflow_test

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/easel-dev/easel/internal/workflow"
)

// testGraph is a small execution graph: a loader and two input slots feeding
// a sampler, which feeds an output node. Node 2 is a required text input,
// node 3 an integer input with a default.
const testGraph = `{
	"1": {"class_type": "CheckpointLoader", "inputs": {"ckpt_name": "base.safetensors"}},
	"2": {"class_type": "ApiInputText", "inputs": {"display_name": "Prompt", "description": "Positive prompt"}},
	"3": {"class_type": "ApiInputInteger", "inputs": {"value": 42, "display_name": "Seed"}},
	"4": {"class_type": "KSampler", "inputs": {"model": ["1", 0], "prompt": ["2", 0], "seed": ["3", 0], "steps": 20}},
	"5": {"class_type": "ApiImageOutput", "inputs": {"images": ["4", 0], "format": "PNG"}}
}`

func analyzeTestGraph(t *testing.T) *workflow.Descriptor {
	t.Helper()
	desc, err := workflow.Analyze("txt2img", []byte(testGraph))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	return desc
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAnalyzeSlots(t *testing.T) {
	desc := analyzeTestGraph(t)

	if len(desc.Inputs) != 2 {
		t.Fatalf("got %d input slots, want 2", len(desc.Inputs))
	}
	prompt := desc.Inputs[0]
	if prompt.NodeID != "2" || prompt.Type != workflow.TypeText {
		t.Errorf("slot 0 = %+v, want node 2 of type text", prompt)
	}
	if !prompt.Required() {
		t.Error("prompt slot should be required, has no default")
	}
	if prompt.DisplayName != "Prompt" || prompt.Description != "Positive prompt" {
		t.Errorf("prompt metadata = %q/%q", prompt.DisplayName, prompt.Description)
	}

	seed := desc.Inputs[1]
	if seed.NodeID != "3" || seed.Type != workflow.TypeInteger {
		t.Errorf("slot 1 = %+v, want node 3 of type integer", seed)
	}
	if seed.Required() {
		t.Error("seed slot should be optional, has a default")
	}
	if seed.Default != float64(42) {
		t.Errorf("seed default = %v, want 42", seed.Default)
	}

	if len(desc.Outputs) != 1 || desc.Outputs[0].NodeID != "5" {
		t.Errorf("outputs = %+v, want node 5", desc.Outputs)
	}
}

func TestAnalyzeGraphShape(t *testing.T) {
	desc := analyzeTestGraph(t)

	if len(desc.Edges) != 4 {
		t.Fatalf("got %d edges, want 4", len(desc.Edges))
	}
	wantSources := []string{"1", "2", "3"}
	if len(desc.SourceIDs) != len(wantSources) {
		t.Fatalf("sources = %v, want %v", desc.SourceIDs, wantSources)
	}
	for i, id := range wantSources {
		if desc.SourceIDs[i] != id {
			t.Errorf("sources[%d] = %q, want %q", i, desc.SourceIDs[i], id)
		}
	}
	if len(desc.SinkIDs) != 1 || desc.SinkIDs[0] != "5" {
		t.Errorf("sinks = %v, want [5]", desc.SinkIDs)
	}
}

func TestAnalyzeRejectsUIFormat(t *testing.T) {
	_, err := workflow.Analyze("ui", []byte(`{"nodes": [], "links": []}`))
	if err == nil {
		t.Fatal("expected error for UI-format graph, got nil")
	}
}

func TestAnalyzeRejectsMalformedJSON(t *testing.T) {
	_, err := workflow.Analyze("bad", []byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
}

func TestBindAppliesValuesAndDefaults(t *testing.T) {
	desc := analyzeTestGraph(t)

	graph, verr := desc.Bind(map[string]any{"2": "a castle on a hill"}, "OUT123")
	if verr != nil {
		t.Fatalf("Bind: %v", verr)
	}
	if got := graph["2"].Inputs["value"]; got != "a castle on a hill" {
		t.Errorf("bound prompt = %v, want the provided value", got)
	}
	if got := graph["3"].Inputs["value"]; got != float64(42) {
		t.Errorf("seed = %v, want default 42", got)
	}
	if got := graph["5"].Inputs["output_id"]; got != "OUT123" {
		t.Errorf("output node output_id = %v, want OUT123", got)
	}
}

func TestBindDoesNotMutateDescriptor(t *testing.T) {
	desc := analyzeTestGraph(t)

	if _, verr := desc.Bind(map[string]any{"2": "x"}, "OUT"); verr != nil {
		t.Fatalf("Bind: %v", verr)
	}
	if _, ok := desc.Graph["2"].Inputs["value"]; ok {
		t.Error("descriptor graph gained a value after Bind")
	}
	if _, ok := desc.Graph["5"].Inputs["output_id"]; ok {
		t.Error("descriptor graph gained an output_id after Bind")
	}
}

func TestBindValidation(t *testing.T) {
	desc := analyzeTestGraph(t)

	tests := []struct {
		name       string
		bindings   map[string]any
		wantReason string
		wantNode   string
	}{
		{"missing required", map[string]any{}, workflow.ReasonMissingInput, "2"},
		{"wrong type text", map[string]any{"2": 5}, workflow.ReasonTypeMismatch, "2"},
		{"fractional integer", map[string]any{"2": "x", "3": 7.5}, workflow.ReasonTypeMismatch, "3"},
		{"integer as string", map[string]any{"2": "x", "3": "7"}, workflow.ReasonTypeMismatch, "3"},
		{"unknown node", map[string]any{"2": "x", "9": "y"}, workflow.ReasonUnknownInput, "9"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, verr := desc.Bind(tc.bindings, "OUT")
			if verr == nil {
				t.Fatal("expected validation error, got nil")
			}
			if verr.Reason != tc.wantReason {
				t.Errorf("reason = %q, want %q", verr.Reason, tc.wantReason)
			}
			if verr.NodeID != tc.wantNode {
				t.Errorf("node = %q, want %q", verr.NodeID, tc.wantNode)
			}
		})
	}
}

func TestBindAcceptsWholeNumbers(t *testing.T) {
	desc := analyzeTestGraph(t)

	for _, seed := range []any{7, int64(7), float64(7)} {
		if _, verr := desc.Bind(map[string]any{"2": "x", "3": seed}, "OUT"); verr != nil {
			t.Errorf("Bind with seed %T(%v): %v", seed, seed, verr)
		}
	}
}

func writeWorkflow(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

func TestLibraryLoadAndShadowing(t *testing.T) {
	base := t.TempDir()
	extra := t.TempDir()

	writeWorkflow(t, base, "txt2img.json", testGraph)
	writeWorkflow(t, base, "noinput.json", `{"1": {"class_type": "CheckpointLoader", "inputs": {}}}`)
	writeWorkflow(t, base, "broken.json", `{not json`)
	writeWorkflow(t, base, "notes.txt", "not a workflow")

	// Same id in the second directory shadows the first.
	shadowed := `{
		"2": {"class_type": "ApiInputText", "inputs": {"display_name": "Override"}},
		"5": {"class_type": "ApiImageOutput", "inputs": {"images": ["2", 0]}}
	}`
	writeWorkflow(t, extra, "txt2img.json", shadowed)

	lib := workflow.NewLibrary([]string{base, extra, filepath.Join(base, "missing")}, testLogger())
	if err := lib.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	ids := lib.List()
	if len(ids) != 1 || ids[0] != "txt2img" {
		t.Fatalf("List() = %v, want [txt2img]", ids)
	}

	desc, err := lib.Get("txt2img")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(desc.Inputs) != 1 || desc.Inputs[0].DisplayName != "Override" {
		t.Errorf("expected shadowing directory to win, got inputs %+v", desc.Inputs)
	}
}

func TestLibraryGetUnknown(t *testing.T) {
	lib := workflow.NewLibrary(nil, testLogger())
	if err := lib.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	_, err := lib.Get("nope")
	if !errors.Is(err, workflow.ErrUnknownWorkflow) {
		t.Errorf("Get(nope) error = %v, want ErrUnknownWorkflow", err)
	}
}
