package registry

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	xerrors "THA-AgentHub/internal/errors"
)

func sampleAgent(id string) Agent {
	return Agent{
		ID:       id,
		Name:     "Summarizer " + id,
		Category: "Text",
		Endpoint: "http://agents.local/" + id,
		Price:    Price{Amount: 10_000_000, Unit: "lovelace"},
		Schema: Schema{
			{Name: "text", Type: TypeString, Required: true},
			{Name: "maxWords", Type: TypeInteger},
		},
		Status: StatusActive,
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := New()
	if err := reg.Register(sampleAgent("a1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := reg.Register(sampleAgent("a1"))
	if !errors.Is(err, ErrDuplicateAgent) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestRegisterRejectsInvalidDescriptors(t *testing.T) {
	cases := map[string]func(*Agent){
		"negative price": func(a *Agent) { a.Price.Amount = -1 },
		"empty schema":   func(a *Agent) { a.Schema = nil },
		"empty id":       func(a *Agent) { a.ID = "  " },
		"no endpoint":    func(a *Agent) { a.Endpoint = "" },
		"no unit":        func(a *Agent) { a.Price.Unit = "" },
		"bad status":     func(a *Agent) { a.Status = "retired" },
		"bad type":       func(a *Agent) { a.Schema[0].Type = "date" },
		"dup field":      func(a *Agent) { a.Schema[1].Name = "text" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			agent := sampleAgent("bad")
			mutate(&agent)
			if err := New().Register(agent); !errors.Is(err, ErrInvalidAgent) {
				t.Fatalf("expected invalid agent error, got %v", err)
			}
		})
	}
}

func TestListActiveKeepsInsertionOrder(t *testing.T) {
	reg := New()
	for _, id := range []string{"c", "a", "b"} {
		if err := reg.Register(sampleAgent(id)); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if _, err := reg.SetStatus("a", StatusMaintenance); err != nil {
		t.Fatalf("set status: %v", err)
	}

	active := reg.ListActive()
	if len(active) != 2 || active[0].ID != "c" || active[1].ID != "b" {
		t.Fatalf("unexpected active list %+v", active)
	}
	if all := reg.List(); len(all) != 3 || all[1].ID != "a" {
		t.Fatalf("unexpected full list %+v", all)
	}
}

func TestLookupReturnsCopies(t *testing.T) {
	reg := New()
	if err := reg.Register(sampleAgent("a1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	agent, err := reg.Lookup("a1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	agent.Schema[0].Name = "mutated"

	again, _ := reg.Lookup("a1")
	if again.Schema[0].Name != "text" {
		t.Fatalf("registry state leaked through lookup")
	}
	if _, err := reg.Lookup("missing"); !errors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLookupActive(t *testing.T) {
	reg := New()
	agent := sampleAgent("soon")
	agent.Status = StatusComingSoon
	if err := reg.Register(agent); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.LookupActive("soon"); !errors.Is(err, ErrAgentUnavailable) {
		t.Fatalf("coming_soon agent should be unavailable, got %v", err)
	}
	if _, err := reg.LookupActive("ghost"); !errors.Is(err, ErrAgentUnavailable) {
		t.Fatalf("missing agent should be unavailable, got %v", err)
	}
}

func TestCategories(t *testing.T) {
	reg := New()
	a := sampleAgent("a")
	a.Category = "Research"
	b := sampleAgent("b")
	b.Category = "Text"
	c := sampleAgent("c")
	c.Category = "research"
	for _, agent := range []Agent{a, b, c} {
		if err := reg.Register(agent); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	cats := reg.Categories()
	if strings.Join(cats, ",") != "Research,Text,research" {
		t.Fatalf("unexpected categories %v", cats)
	}
	if got := reg.ListByCategory("RESEARCH"); len(got) != 2 {
		t.Fatalf("expected two research agents, got %d", len(got))
	}
}

func TestSchemaValidate(t *testing.T) {
	lo, hi := 1.0, 10.0
	schema := Schema{
		{Name: "text", Type: TypeString, Required: true},
		{Name: "tone", Type: TypeString, Enum: []string{"formal", "casual"}},
		{Name: "count", Type: TypeInteger, Minimum: &lo, Maximum: &hi},
		{Name: "ratio", Type: TypeNumber},
		{Name: "verbose", Type: TypeBoolean},
		{Name: "options", Type: TypeObject},
		{Name: "items", Type: TypeArray},
	}

	cases := []struct {
		name  string
		input map[string]any
		field string
	}{
		{name: "valid", input: map[string]any{"text": "hi", "tone": "formal", "count": 3.0, "ratio": 0.5, "verbose": true, "options": map[string]any{}, "items": []any{1.0}}},
		{name: "json number", input: map[string]any{"text": "hi", "count": json.Number("4")}},
		{name: "missing required", input: map[string]any{"tone": "formal"}, field: "text"},
		{name: "null required", input: map[string]any{"text": nil}, field: "text"},
		{name: "wrong type", input: map[string]any{"text": 12.0}, field: "text"},
		{name: "enum", input: map[string]any{"text": "hi", "tone": "angry"}, field: "tone"},
		{name: "fraction", input: map[string]any{"text": "hi", "count": 2.5}, field: "count"},
		{name: "below minimum", input: map[string]any{"text": "hi", "count": 0.0}, field: "count"},
		{name: "above maximum", input: map[string]any{"text": "hi", "count": 11.0}, field: "count"},
		{name: "boolean", input: map[string]any{"text": "hi", "verbose": "yes"}, field: "verbose"},
		{name: "object", input: map[string]any{"text": "hi", "options": []any{}}, field: "options"},
		{name: "array", input: map[string]any{"text": "hi", "items": "a,b"}, field: "items"},
		{name: "unknown field", input: map[string]any{"text": "hi", "zzz": 1.0, "extra": true}, field: "extra"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := schema.Validate(tc.input)
			if tc.field == "" {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInputValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if got := xerrors.MetadataValue(err, MetaField); got != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, got)
			}
		})
	}
}

func TestLoadSeed(t *testing.T) {
	seed := `
agents:
  - id: summarizer
    name: Summarizer
    category: Text
    tags: [nlp]
    endpoint: http://summarizer.local
    price: {amount: 10000000, unit: lovelace}
    status: active
    schema:
      - name: text
        type: string
        required: true
      - name: words
        type: integer
        minimum: 10
  - id: translator
    name: Translator
    endpoint: http://translator.local
    price: {amount: 5000000, unit: lovelace}
    status: coming_soon
    schema:
      - name: text
        type: string
        required: true
`
	reg := New()
	n, err := reg.LoadSeed(strings.NewReader(seed))
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 agents, got %d", n)
	}
	agent, err := reg.Lookup("summarizer")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if agent.Schema[1].Minimum == nil || *agent.Schema[1].Minimum != 10 {
		t.Fatalf("minimum not decoded: %+v", agent.Schema[1])
	}
	if len(reg.ListActive()) != 1 {
		t.Fatalf("only summarizer should be active")
	}

	if _, err := New().LoadSeed(strings.NewReader("agents:\n  - id: x\n    unknown: 1\n")); err == nil {
		t.Fatalf("expected unknown field error")
	}
}
