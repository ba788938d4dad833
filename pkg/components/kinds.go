// Package components provides the concrete component kinds a model can be
// built from: Starlark scripts, sinks and external programs.
package components

import (
	"fmt"
	"sort"
	"time"

	"github.com/lazyflow/lazyflow/pkg/engine"
	"github.com/lazyflow/lazyflow/pkg/extcode"
)

// Kind names of the built-in component kinds.
const (
	KindScript  = "script"
	KindSink    = "sink"
	KindExtcode = "extcode"
)

// Definition is everything a factory needs to build one component.
// Fields that do not apply to a kind are ignored by its factory.
type Definition struct {
	Name        string
	Kind        string
	Description string

	Inputs  []engine.PortSpec
	Outputs []engine.PortSpec

	// Script is the Starlark source of a script component.
	Script string

	// Command, Stdin, Stdout, Stderr and Env configure an extcode component.
	Command string
	Stdin   string
	Stdout  string
	Stderr  string
	Env     map[string]string

	// WorkDir is the working directory of an extcode component. Relative
	// paths are resolved inside Sandbox when one is set.
	WorkDir string

	// CreateInstanceDir gives each extcode instance its own directory
	// below the sandbox.
	CreateInstanceDir bool

	Sandbox *extcode.Sandbox

	// Timeout bounds one compute pass. Zero selects the kind's default.
	Timeout time.Duration
}

// Factory builds a component from its definition.
type Factory func(def Definition) (*engine.Component, error)

// Kind describes a component kind.
type Kind struct {
	Name        string
	Description string
	Builtin     bool
	New         Factory
}

// Registry maps kind names to factories.
type Registry struct {
	kinds map[string]Kind
}

// NewRegistry returns a registry holding the built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{kinds: make(map[string]Kind)}
	for _, k := range builtinKinds() {
		r.kinds[k.Name] = k
	}
	return r
}

func builtinKinds() []Kind {
	return []Kind{
		{
			Name:        KindScript,
			Description: "Computes its outputs with a Starlark script",
			Builtin:     true,
			New:         NewScript,
		},
		{
			Name:        KindSink,
			Description: "Records the values it receives on its inputs",
			Builtin:     true,
			New:         NewSink,
		},
		{
			Name:        KindExtcode,
			Description: "Runs an external program with a timeout",
			Builtin:     true,
			New:         NewExternalCode,
		},
	}
}

// Register adds a kind. Built-in kinds cannot be replaced.
func (r *Registry) Register(k Kind) error {
	if k.Name == "" || k.New == nil {
		return engine.NewPermanentError("kind needs a name and a factory", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if existing, ok := r.kinds[k.Name]; ok && existing.Builtin {
		return engine.NewPermanentError(fmt.Sprintf("cannot replace built-in kind %s", k.Name), nil).
			WithCode(engine.ErrCodeAlreadyExists).
			WithResource(k.Name)
	}
	r.kinds[k.Name] = k
	return nil
}

// Lookup returns the kind registered under name.
func (r *Registry) Lookup(name string) (Kind, bool) {
	k, ok := r.kinds[name]
	return k, ok
}

// Kinds returns all kinds sorted by name.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Build creates the component described by def.
func (r *Registry) Build(def Definition) (*engine.Component, error) {
	k, ok := r.kinds[def.Kind]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("unknown component kind %q", def.Kind), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(def.Name)
	}
	c, err := k.New(def)
	if err != nil {
		return nil, err
	}
	c.SetKind(k.Name)
	return c, nil
}

// newRegistry declares the ports of def on a fresh port registry.
func newRegistry(def Definition) (*engine.PortRegistry, error) {
	reg := engine.NewPortRegistry()
	for _, p := range def.Inputs {
		p.Direction = engine.DirectionIn
		if err := reg.Add(p); err != nil {
			return nil, err
		}
	}
	for _, p := range def.Outputs {
		p.Direction = engine.DirectionOut
		if err := reg.Add(p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
