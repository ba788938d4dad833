package engine

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// PortRegistry is the static set of ports of one component.
// It is populated by an initializer and sealed when the component is built;
// after that, ports can only be added through Reopen.
type PortRegistry struct {
	specs   map[string]*PortSpec
	inputs  []string
	outputs []string
	sealed  bool
}

// NewPortRegistry creates an empty, open registry.
func NewPortRegistry() *PortRegistry {
	return &PortRegistry{
		specs:   make(map[string]*PortSpec),
		inputs:  make([]string, 0),
		outputs: make([]string, 0),
	}
}

// AddInput declares an input port. A cty.NilVal default means the zero value of typ.
func (r *PortRegistry) AddInput(name string, typ cty.Type, def cty.Value) error {
	return r.add(PortSpec{Name: name, Direction: DirectionIn, Type: typ, Default: def})
}

// AddOutput declares an output port. A cty.NilVal default means the zero value of typ.
func (r *PortRegistry) AddOutput(name string, typ cty.Type, def cty.Value) error {
	return r.add(PortSpec{Name: name, Direction: DirectionOut, Type: typ, Default: def})
}

// Add declares a port from a full spec.
func (r *PortRegistry) Add(spec PortSpec) error {
	return r.add(spec)
}

func (r *PortRegistry) add(spec PortSpec) error {
	if r.sealed {
		return NewPermanentError(
			fmt.Sprintf("cannot add port %q: registry is sealed", spec.Name), nil,
		).WithCode(ErrCodeSchemaSealed)
	}
	if spec.Name == "" {
		return NewPermanentError("port name is required", nil).WithCode(ErrCodeValidation)
	}
	if _, exists := r.specs[spec.Name]; exists {
		return NewPermanentError(fmt.Sprintf("duplicate port name: %s", spec.Name), nil).
			WithCode(ErrCodeValidation)
	}
	if spec.Direction != DirectionIn && spec.Direction != DirectionOut {
		return NewPermanentError(fmt.Sprintf("port %s: invalid direction %q", spec.Name, spec.Direction), nil).
			WithCode(ErrCodeValidation)
	}
	if !IsScalarType(spec.Type) {
		return NewPermanentError(
			fmt.Sprintf("port %s: unsupported type %s (want number, string or bool)", spec.Name, spec.Type.FriendlyName()), nil,
		).WithCode(ErrCodeValidation)
	}

	if spec.Default.IsNull() {
		spec.Default = ZeroValue(spec.Type)
	} else {
		def, err := convert.Convert(spec.Default, spec.Type)
		if err != nil {
			return NewPermanentError(fmt.Sprintf("port %s: bad default", spec.Name), err).
				WithCode(ErrCodeValidation)
		}
		spec.Default = def
	}

	s := spec
	r.specs[spec.Name] = &s
	if spec.Direction == DirectionIn {
		r.inputs = append(r.inputs, spec.Name)
	} else {
		r.outputs = append(r.outputs, spec.Name)
	}
	return nil
}

// Seal closes the registry for further additions.
func (r *PortRegistry) Seal() {
	r.sealed = true
}

// Reopen allows further additions. Callers re-seal when done.
func (r *PortRegistry) Reopen() {
	r.sealed = false
}

// Sealed reports whether additions are currently rejected.
func (r *PortRegistry) Sealed() bool {
	return r.sealed
}

// Lookup returns the spec for name.
func (r *PortRegistry) Lookup(name string) (*PortSpec, bool) {
	spec, ok := r.specs[name]
	return spec, ok
}

// Has reports whether a port named name exists.
func (r *PortRegistry) Has(name string) bool {
	_, ok := r.specs[name]
	return ok
}

// Inputs returns input names in declaration order.
func (r *PortRegistry) Inputs() []string {
	out := make([]string, len(r.inputs))
	copy(out, r.inputs)
	return out
}

// Outputs returns output names in declaration order.
func (r *PortRegistry) Outputs() []string {
	out := make([]string, len(r.outputs))
	copy(out, r.outputs)
	return out
}

// IsScalarType reports whether t is a supported port type.
func IsScalarType(t cty.Type) bool {
	return t.Equals(cty.Number) || t.Equals(cty.String) || t.Equals(cty.Bool)
}

// ZeroValue returns the zero value for a scalar port type.
func ZeroValue(t cty.Type) cty.Value {
	switch {
	case t.Equals(cty.Number):
		return cty.Zero
	case t.Equals(cty.String):
		return cty.StringVal("")
	case t.Equals(cty.Bool):
		return cty.False
	default:
		return cty.NullVal(t)
	}
}

// ParseType maps a type keyword to a cty type.
func ParseType(name string) (cty.Type, error) {
	switch name {
	case "number", "float", "int":
		return cty.Number, nil
	case "string", "str":
		return cty.String, nil
	case "bool":
		return cty.Bool, nil
	default:
		return cty.NilType, NewPermanentError(
			fmt.Sprintf("unsupported type %q: supported types are number, string, bool", name), nil,
		).WithCode(ErrCodeValidation)
	}
}
