package engine

import (
	"context"
	"testing"

	"github.com/zclconf/go-cty/cty"
)

func TestPortRegistry_Defaults(t *testing.T) {
	reg := NewPortRegistry()
	mustAdd(t, reg.AddInput("n", cty.Number, cty.NilVal))
	mustAdd(t, reg.AddInput("s", cty.String, cty.NilVal))
	mustAdd(t, reg.AddInput("b", cty.Bool, cty.NilVal))
	mustAdd(t, reg.AddInput("k", cty.Number, cty.StringVal("2.5")))

	tests := map[string]cty.Value{
		"n": cty.Zero,
		"s": cty.StringVal(""),
		"b": cty.False,
		"k": cty.NumberFloatVal(2.5),
	}
	for name, want := range tests {
		spec, ok := reg.Lookup(name)
		if !ok {
			t.Fatalf("port %s not found", name)
		}
		if !spec.Default.Equals(want).True() {
			t.Errorf("default of %s = %#v, want %#v", name, spec.Default, want)
		}
	}
}

func TestPortRegistry_Rejects(t *testing.T) {
	reg := NewPortRegistry()
	mustAdd(t, reg.AddInput("a", cty.Number, cty.NilVal))

	if err := reg.AddOutput("a", cty.Number, cty.NilVal); !IsCode(err, ErrCodeValidation) {
		t.Errorf("expected duplicate name to fail, got: %v", err)
	}
	if err := reg.AddInput("", cty.Number, cty.NilVal); !IsCode(err, ErrCodeValidation) {
		t.Errorf("expected empty name to fail, got: %v", err)
	}
	if err := reg.AddInput("l", cty.List(cty.Number), cty.NilVal); !IsCode(err, ErrCodeValidation) {
		t.Errorf("expected list type to fail, got: %v", err)
	}
	if err := reg.AddInput("d", cty.Number, cty.StringVal("abc")); !IsCode(err, ErrCodeValidation) {
		t.Errorf("expected bad default to fail, got: %v", err)
	}
	if err := reg.Add(PortSpec{Name: "q", Direction: "sideways", Type: cty.Number}); !IsCode(err, ErrCodeValidation) {
		t.Errorf("expected bad direction to fail, got: %v", err)
	}
}

func TestPortRegistry_SealAndReopen(t *testing.T) {
	reg := NewPortRegistry()
	mustAdd(t, reg.AddInput("a", cty.Number, cty.NilVal))

	c, err := NewComponent("t", reg, ComputeFunc(func(context.Context, *Pass) error { return nil }))
	if err != nil {
		t.Fatal(err)
	}
	if !c.Registry().Sealed() {
		t.Fatal("expected registry to be sealed by NewComponent")
	}
	if err := reg.AddOutput("x", cty.Number, cty.NilVal); !IsCode(err, ErrCodeSchemaSealed) {
		t.Fatalf("expected sealed error, got: %v", err)
	}

	reg.Reopen()
	mustAdd(t, reg.AddOutput("x", cty.Number, cty.NilVal))
	reg.Seal()

	if got := reg.Outputs(); len(got) != 1 || got[0] != "x" {
		t.Errorf("outputs = %v, want [x]", got)
	}
}

func TestPortRegistry_DeclarationOrder(t *testing.T) {
	reg := NewPortRegistry()
	for _, n := range []string{"c", "a", "b"} {
		mustAdd(t, reg.AddOutput(n, cty.Number, cty.NilVal))
	}

	got := reg.Outputs()
	got[0] = "mutated"
	if reg.Outputs()[0] != "c" {
		t.Error("Outputs must return a copy")
	}
	if want := []string{"c", "a", "b"}; reg.Outputs()[1] != want[1] || reg.Outputs()[2] != want[2] {
		t.Errorf("outputs = %v, want %v", reg.Outputs(), want)
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in   string
		want cty.Type
		ok   bool
	}{
		{"number", cty.Number, true},
		{"float", cty.Number, true},
		{"int", cty.Number, true},
		{"string", cty.String, true},
		{"str", cty.String, true},
		{"bool", cty.Bool, true},
		{"list", cty.NilType, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseType(tt.in)
			if tt.ok != (err == nil) {
				t.Fatalf("ParseType(%q) error = %v, want ok=%v", tt.in, err, tt.ok)
			}
			if tt.ok && !got.Equals(tt.want) {
				t.Errorf("ParseType(%q) = %s, want %s", tt.in, got.FriendlyName(), tt.want.FriendlyName())
			}
		})
	}
}

func TestParsePortRef(t *testing.T) {
	ref, err := ParsePortRef("group.t.x")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Component != "group.t" || ref.Name != "x" {
		t.Errorf("unexpected ref: %+v", ref)
	}
	for _, bad := range []string{"", "x", ".x", "t."} {
		if _, err := ParsePortRef(bad); err == nil {
			t.Errorf("ParsePortRef(%q) should fail", bad)
		}
	}
}
