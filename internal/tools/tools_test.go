package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/pagemate/pagemate/internal/memory"
)

type stubFacts struct {
	remembered map[string]string
	recallErr  error
	facts      []memory.Fact
}

func (s *stubFacts) Remember(_ context.Context, _, key, value string) error {
	if s.remembered == nil {
		s.remembered = map[string]string{}
	}
	s.remembered[key] = value
	return nil
}

func (s *stubFacts) Recall(_ context.Context, _, _ string) ([]memory.Fact, error) {
	return s.facts, s.recallErr
}

func mustCatalog(t *testing.T) []Definition {
	t.Helper()
	defs, err := Catalog(&stubFacts{})
	if err != nil {
		t.Fatalf("Catalog() error: %v", err)
	}
	return defs
}

func TestNewRegistry_ValidCatalog(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(mustCatalog(t))
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}

	wantServer := map[string]bool{
		"rememberUser":    true,
		"recallMemory":    true,
		"navigate":        false,
		"setTheme":        false,
		"searchBlog":      false,
		"toggleMenu":      false,
		"scrollToSection": false,
		"summarizePage":   false,
		"recommend":       false,
	}
	if len(reg.Definitions()) != len(wantServer) {
		t.Fatalf("catalog has %d tools, want %d", len(reg.Definitions()), len(wantServer))
	}
	for name, server := range wantServer {
		if reg.IsServer(name) != server {
			t.Errorf("IsServer(%q) = %v, want %v", name, reg.IsServer(name), server)
		}
	}
}

func TestNewRegistry_RejectsUnimplementedTool(t *testing.T) {
	t.Parallel()

	defs := []Definition{{Name: "ghost", Description: "declared but implemented nowhere"}}
	if _, err := NewRegistry(defs); err == nil {
		t.Error("NewRegistry() should reject a tool with neither handler nor client marker")
	}
}

func TestNewRegistry_RejectsDuplicates(t *testing.T) {
	t.Parallel()

	defs := []Definition{
		{Name: "navigate", Client: true},
		{Name: "navigate", Client: true},
	}
	if _, err := NewRegistry(defs); err == nil {
		t.Error("NewRegistry() should reject duplicate names")
	}
}

func TestRegistry_WireFormat(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(mustCatalog(t))
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}

	wire := reg.WireFormat()
	if len(wire) != len(reg.Definitions()) {
		t.Fatalf("WireFormat() has %d entries, want %d", len(wire), len(reg.Definitions()))
	}
	for _, w := range wire {
		if w.Name == "" || w.Description == "" {
			t.Errorf("wire definition %+v missing name or description", w)
		}
		var schema jsonschema.Schema
		if err := json.Unmarshal(w.Parameters, &schema); err != nil {
			t.Errorf("parameters for %q are not a valid schema: %v", w.Name, err)
		}
	}
}

func TestServerHandlers_RememberAndRecall(t *testing.T) {
	t.Parallel()

	facts := &stubFacts{facts: []memory.Fact{{Key: "name", Value: "Max"}}}
	defs, err := Catalog(facts)
	if err != nil {
		t.Fatalf("Catalog() error: %v", err)
	}
	reg, err := NewRegistry(defs)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}

	remember, _ := reg.Get("rememberUser")
	res := remember.Server(context.Background(), "u1", map[string]any{"key": "name", "value": "Max"})
	if !res.Success {
		t.Errorf("rememberUser failed: %s", res.Message)
	}
	if facts.remembered["name"] != "Max" {
		t.Error("rememberUser did not reach the fact store")
	}

	recall, _ := reg.Get("recallMemory")
	res = recall.Server(context.Background(), "u1", map[string]any{"query": "name"})
	if !res.Success {
		t.Errorf("recallMemory failed: %s", res.Message)
	}
	if res.Message != "name: Max" {
		t.Errorf("recallMemory message = %q, want %q", res.Message, "name: Max")
	}
}

func TestRegistry_Execute(t *testing.T) {
	t.Parallel()

	facts := &stubFacts{facts: []memory.Fact{{Key: "name", Value: "Max"}}}
	defs, err := Catalog(facts)
	if err != nil {
		t.Fatalf("Catalog() error: %v", err)
	}
	reg, err := NewRegistry(defs)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}

	res := reg.Execute(context.Background(), "u1", Call{
		Name:      "recallMemory",
		Arguments: map[string]any{"query": "name"},
	})
	if !res.Success || res.Message != "name: Max" {
		t.Errorf("Execute(recallMemory) = %+v, want success with %q", res, "name: Max")
	}

	res = reg.Execute(context.Background(), "u1", Call{Name: "ghost"})
	if res.Success {
		t.Error("Execute should fail for an unknown tool")
	}
	if res.Name != "ghost" {
		t.Errorf("failed result Name = %q, want %q", res.Name, "ghost")
	}

	res = reg.Execute(context.Background(), "u1", Call{Name: "navigate"})
	if res.Success {
		t.Error("Execute should fail for a client-only tool")
	}
}

func TestRegistry_ExecuteRecoversPanic(t *testing.T) {
	t.Parallel()

	defs := []Definition{{
		Name:        "boom",
		Description: "always panics",
		Server: func(context.Context, string, map[string]any) Result {
			panic("boom")
		},
	}}
	reg, err := NewRegistry(defs)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}

	res := reg.Execute(context.Background(), "u1", Call{Name: "boom"})
	if res.Success {
		t.Error("a panicking handler must produce a failed result")
	}
	if res.Name != "boom" {
		t.Errorf("failed result Name = %q, want %q", res.Name, "boom")
	}
}

func TestServerHandlers_ErrorsBecomeFailedResults(t *testing.T) {
	t.Parallel()

	facts := &stubFacts{recallErr: errors.New("index offline")}
	defs, err := Catalog(facts)
	if err != nil {
		t.Fatalf("Catalog() error: %v", err)
	}
	reg, err := NewRegistry(defs)
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}

	recall, _ := reg.Get("recallMemory")
	res := recall.Server(context.Background(), "u1", map[string]any{"query": "anything"})
	if res.Success {
		t.Error("recallMemory should report failure when the store errors")
	}

	remember, _ := reg.Get("rememberUser")
	res = remember.Server(context.Background(), "u1", map[string]any{"key": "name"})
	if res.Success {
		t.Error("rememberUser should reject missing value")
	}
}
