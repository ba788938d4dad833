// Package config loads lazyflow model files.
//
// # Overview
//
// A model file declares components, their ports, the connections between
// them, initial input values and optionally an explicit workflow. Two
// formats are supported, selected by file extension:
//
//   - YAML (.yaml, .yml), decoded with gopkg.in/yaml.v3
//   - HCL (.hcl), decoded with hashicorp/hcl/v2 gohcl
//
// Both decode into ModelConfig, which is validated with
// go-playground/validator plus referential checks (unknown components,
// ports, kinds, double-fed inputs), then built into an *engine.Model.
//
// # YAML Example
//
//	name: demo
//	components:
//	  - name: t
//	    kind: script
//	    inputs:  [{name: a, type: number, default: 1}]
//	    outputs: [{name: x, type: number}, {name: y, type: number}]
//	    script: |
//	      x = a + 1
//	      if "y" in connected:
//	          y = a * 2
//	  - name: s
//	    kind: sink
//	    inputs: [{name: i, type: number}]
//	connections:
//	  - {from: t.x, to: s.i}
//	set:
//	  t.a: 2
//
// # HCL Example
//
//	name = "demo"
//
//	component "t" {
//	  kind   = "script"
//	  script = "x = a + 1"
//	  input "a" {
//	    type    = "number"
//	    default = 1
//	  }
//	  output "x" { type = "number" }
//	}
//
//	component "s" {
//	  kind = "sink"
//	  input "i" { type = "number" }
//	}
//
//	connect {
//	  from = "t.x"
//	  to   = "s.i"
//	}
//
// # Error Handling
//
// Validation reports every problem at once as ValidationErrors wrapped in an
// *engine.EngineError with code ErrCodeValidation. HCL problems carry file,
// line and column; YAML problems carry the field path.
package config
