package components

import (
	"context"

	"github.com/zclconf/go-cty/cty"

	"github.com/lazyflow/lazyflow/pkg/engine"
)

// Sink is a component with inputs only. Each pass records the input values.
type Sink struct {
	history []map[string]cty.Value
}

// NewSink builds a sink component. Outputs in def are rejected.
func NewSink(def Definition) (*engine.Component, error) {
	if len(def.Outputs) > 0 {
		return nil, engine.NewPermanentError("sink components cannot declare outputs", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(def.Name)
	}
	reg, err := newRegistry(def)
	if err != nil {
		return nil, err
	}
	return engine.NewComponent(def.Name, reg, &Sink{})
}

// Compute records the current input values.
func (s *Sink) Compute(_ context.Context, pass *engine.Pass) error {
	snapshot := make(map[string]cty.Value, len(pass.Inputs()))
	for _, name := range pass.Inputs() {
		v, err := pass.Input(name)
		if err != nil {
			return err
		}
		snapshot[name] = v
	}
	s.history = append(s.history, snapshot)
	return nil
}

// Passes returns how many passes the sink recorded.
func (s *Sink) Passes() int {
	return len(s.history)
}

// Received returns the values recorded by the latest pass, or nil.
func (s *Sink) Received() map[string]cty.Value {
	if len(s.history) == 0 {
		return nil
	}
	return s.history[len(s.history)-1]
}

// SinkOf returns the Sink behind c, if c is a sink component.
func SinkOf(c *engine.Component) (*Sink, bool) {
	s, ok := c.Computer().(*Sink)
	return s, ok
}
