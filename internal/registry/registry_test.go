package registry

import (
	"context"
	"testing"
)

func stubHandler(ctx context.Context, params map[string]any) (any, error) { return nil, nil }

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	d := &Descriptor{Category: "fs", Name: "read", Handler: stubHandler, IsToolEndpoint: true}
	if err := r.Register(d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := r.Lookup("fs", "read")
	if !ok || got != d {
		t.Fatalf("expected lookup to find registered descriptor")
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := New()
	d := &Descriptor{Category: "fs", Name: "read", Handler: stubHandler}
	if err := r.Register(d); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(d); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestLookupMiss(t *testing.T) {
	r := New()
	if _, ok := r.Lookup("fs", "read"); ok {
		t.Fatalf("expected miss on empty registry")
	}
}

func TestListIsSortedAndToolEndpointsFiltered(t *testing.T) {
	r := New()
	r.Register(&Descriptor{Category: "shell", Name: "run", Handler: stubHandler, IsToolEndpoint: true})
	r.Register(&Descriptor{Category: "fs", Name: "write", Handler: stubHandler, IsToolEndpoint: true})
	r.Register(&Descriptor{Category: "admin", Name: "health", Handler: stubHandler, IsToolEndpoint: false})

	all := r.List()
	if len(all) != 3 {
		t.Fatalf("expected 3 descriptors, got %d", len(all))
	}
	if all[0].Category != "admin" || all[1].Category != "fs" {
		t.Fatalf("expected sorted order, got %v %v", all[0].Category, all[1].Category)
	}

	endpoints := r.ToolEndpoints()
	if len(endpoints) != 2 {
		t.Fatalf("expected 2 tool endpoints, got %d", len(endpoints))
	}
	for _, e := range endpoints {
		if e.Category == "admin" {
			t.Fatalf("admin route leaked into MCP tool endpoints")
		}
	}
}

func TestMCPNameFormat(t *testing.T) {
	d := &Descriptor{Category: "fs", Name: "write"}
	if d.MCPName() != "fs_write" {
		t.Fatalf("expected fs_write, got %s", d.MCPName())
	}
}

func TestSchemaValidateRequiredProperty(t *testing.T) {
	s := Schema{Type: "object", Required: []string{"path"}, Properties: map[string]Schema{
		"path": {Type: "string"},
	}}
	problems := s.Validate(map[string]any{})
	if len(problems) != 1 {
		t.Fatalf("expected 1 problem, got %v", problems)
	}
}

func TestSchemaValidateWrongType(t *testing.T) {
	s := Schema{Type: "object", Properties: map[string]Schema{"count": {Type: "number"}}}
	problems := s.Validate(map[string]any{"count": "not a number"})
	if len(problems) != 1 {
		t.Fatalf("expected 1 problem, got %v", problems)
	}
}

func TestSchemaValidateNestedArray(t *testing.T) {
	s := Schema{Type: "object", Properties: map[string]Schema{
		"tags": {Type: "array", Items: &Schema{Type: "string"}},
	}}
	problems := s.Validate(map[string]any{"tags": []any{"ok", 5}})
	if len(problems) != 1 {
		t.Fatalf("expected 1 problem for non-string array item, got %v", problems)
	}
}

func TestSchemaValidateValidInput(t *testing.T) {
	s := Schema{Type: "object", Required: []string{"path"}, Properties: map[string]Schema{
		"path": {Type: "string"},
	}}
	problems := s.Validate(map[string]any{"path": "a.txt"})
	if len(problems) != 0 {
		t.Fatalf("expected no problems, got %v", problems)
	}
}
