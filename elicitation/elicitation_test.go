package elicitation

import (
	"encoding/json"
	"errors"
	"testing"
)

type contact struct {
	Name  string  `json:"name" jsonschema:"description=User name"`
	Age   int     `json:"age" jsonschema:"minimum=1,maximum=130"`
	Role  string  `json:"role" jsonschema:"enum=admin,enum=user"`
	Email *string `json:"email,omitempty"`
}

func TestProjectFlatStruct(t *testing.T) {
	p, err := For[contact]()
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	s := p.Schema()
	if s.Type != "object" {
		t.Fatalf("expected object, got %q", s.Type)
	}
	if len(s.Properties) != 4 {
		t.Fatalf("expected 4 properties, got %d", len(s.Properties))
	}
	if s.Properties["age"].Type != "number" {
		t.Fatalf("age type = %q", s.Properties["age"].Type)
	}
	if got := s.Properties["role"].Enum; len(got) != 2 {
		t.Fatalf("role enum = %v", got)
	}
	for _, r := range s.Required {
		if r == "email" {
			t.Fatalf("pointer field must be optional")
		}
	}
	raw, err := s.Raw()
	if err != nil {
		t.Fatalf("Raw: %v", err)
	}
	if err := CheckFlat(raw); err != nil {
		t.Fatalf("CheckFlat: %v", err)
	}
}

func TestProjectRejectsNested(t *testing.T) {
	type nested struct {
		Inner struct {
			X string `json:"x"`
		} `json:"inner"`
	}
	if _, err := For[nested](); err == nil {
		t.Fatalf("expected nested struct to be rejected")
	}
	type withSlice struct {
		Tags []string `json:"tags"`
	}
	if _, err := For[withSlice](); err == nil {
		t.Fatalf("expected array field to be rejected")
	}
}

func TestDecode(t *testing.T) {
	p, err := For[contact]()
	if err != nil {
		t.Fatalf("For: %v", err)
	}

	var dst contact
	if err := p.Decode(json.RawMessage(`{"name":"alice","age":30,"role":"admin","email":"a@example.com"}`), &dst, true); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dst.Name != "alice" || dst.Age != 30 || dst.Role != "admin" || dst.Email == nil || *dst.Email != "a@example.com" {
		t.Fatalf("unexpected decode: %+v", dst)
	}

	tests := []struct {
		name    string
		content string
		strict  bool
	}{
		{"missing required", `{"name":"bob","role":"user"}`, false},
		{"below minimum", `{"name":"bob","age":0,"role":"user"}`, false},
		{"enum mismatch", `{"name":"bob","age":3,"role":"root"}`, false},
		{"wrong type", `{"name":1,"age":3,"role":"user"}`, false},
		{"unknown key strict", `{"name":"bob","age":3,"role":"user","extra":true}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := contact{Name: "unchanged"}
			dst := before
			err := p.Decode(json.RawMessage(tt.content), &dst, tt.strict)
			if !errors.Is(err, ErrInvalidAnswer) {
				t.Fatalf("expected ErrInvalidAnswer, got %v", err)
			}
			if dst.Name != "unchanged" {
				t.Fatalf("dst mutated on failure: %+v", dst)
			}
		})
	}
}

func TestBuilderAndValidate(t *testing.T) {
	s := NewBuilder().
		String("name", Required(), Description("Your name")).
		Number("count", Minimum(1), Maximum(5)).
		Enum("color", []string{"red", "green"}).
		Boolean("subscribe").
		Build()
	if len(s.Required) != 1 || s.Required[0] != "name" {
		t.Fatalf("required = %v", s.Required)
	}
	raw, err := s.Raw()
	if err != nil {
		t.Fatalf("Raw: %v", err)
	}
	if err := Validate(raw, json.RawMessage(`{"name":"x","count":2,"color":"red"}`)); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := Validate(raw, json.RawMessage(`{"count":2}`)); !errors.Is(err, ErrInvalidAnswer) {
		t.Fatalf("expected missing name to fail, got %v", err)
	}
	if err := Validate(raw, json.RawMessage(`{"name":"x","count":9}`)); !errors.Is(err, ErrInvalidAnswer) {
		t.Fatalf("expected bound violation to fail, got %v", err)
	}
	if err := Validate(raw, json.RawMessage(`{"name":"x","color":"blue"}`)); !errors.Is(err, ErrInvalidAnswer) {
		t.Fatalf("expected enum violation to fail, got %v", err)
	}
}

func TestCheckFlat(t *testing.T) {
	if err := CheckFlat(json.RawMessage(`{"type":"object","properties":{"a":{"type":"object"}}}`)); !errors.Is(err, ErrNotFlat) {
		t.Fatalf("expected ErrNotFlat, got %v", err)
	}
	if err := CheckFlat(json.RawMessage(`{"type":"array"}`)); !errors.Is(err, ErrNotFlat) {
		t.Fatalf("expected ErrNotFlat, got %v", err)
	}
	if err := CheckFlat(json.RawMessage(`{`)); !errors.Is(err, ErrInvalidSchema) {
		t.Fatalf("expected ErrInvalidSchema, got %v", err)
	}
}

func TestValidateRejectsBadSchema(t *testing.T) {
	if err := Validate(json.RawMessage(`{"type":12}`), json.RawMessage(`{}`)); !errors.Is(err, ErrInvalidSchema) {
		t.Fatalf("expected ErrInvalidSchema, got %v", err)
	}
}
