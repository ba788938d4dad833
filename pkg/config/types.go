package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/lazyflow/lazyflow/pkg/telemetry"
)

// ModelConfig is a model file after decoding, before it is built.
type ModelConfig struct {
	// Name is the model name used in logs, metrics and the journal.
	Name string `yaml:"name" validate:"required"`

	// Description is free text.
	Description string `yaml:"description,omitempty"`

	// Sandbox is the root directory for extcode working directories,
	// relative to the model file. Defaults to ".lazyflow/work".
	Sandbox string `yaml:"sandbox,omitempty"`

	// Components are built in declaration order.
	Components []ComponentConfig `yaml:"components" validate:"required,min=1,dive"`

	// Connections link outputs to inputs.
	Connections []ConnectionConfig `yaml:"connections,omitempty" validate:"dive"`

	// Set assigns initial input values by dotted path.
	Set map[string]interface{} `yaml:"set,omitempty"`

	// Workflow overrides the execution order derived from connections.
	Workflow []string `yaml:"workflow,omitempty"`

	// Telemetry overrides the default telemetry configuration.
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`

	// SourceFile is the file the model was loaded from.
	SourceFile string `yaml:"-"`
}

// ComponentConfig declares one component.
type ComponentConfig struct {
	// Name must be unique within the model.
	Name string `yaml:"name" validate:"required,excludesall=. "`

	// Kind selects the component factory (script, sink, extcode or a plugin kind).
	Kind string `yaml:"kind" validate:"required"`

	// Description is free text.
	Description string `yaml:"description,omitempty"`

	// Inputs and Outputs declare the ports.
	Inputs  []PortConfig `yaml:"inputs,omitempty" validate:"dive"`
	Outputs []PortConfig `yaml:"outputs,omitempty" validate:"dive"`

	// Script is inline Starlark source for script components.
	Script string `yaml:"script,omitempty"`

	// ScriptFile is a Starlark file, relative to the model file.
	ScriptFile string `yaml:"script_file,omitempty" validate:"excluded_with=Script"`

	// Command is the shell command line of extcode components.
	Command string `yaml:"command,omitempty"`

	// Stdin, Stdout and Stderr redirect the command's streams to files.
	// Stderr may be "<stdout>" to merge it into stdout.
	Stdin  string `yaml:"stdin,omitempty"`
	Stdout string `yaml:"stdout,omitempty"`
	Stderr string `yaml:"stderr,omitempty"`

	// Env adds environment variables for the command.
	Env map[string]string `yaml:"env,omitempty"`

	// WorkDir is the command's working directory inside the sandbox.
	WorkDir string `yaml:"work_dir,omitempty"`

	// InstanceDir gives the component a fresh directory per model instance.
	InstanceDir bool `yaml:"instance_dir,omitempty"`

	// Timeout bounds a single pass, e.g. "30s". Empty selects the kind default.
	Timeout string `yaml:"timeout,omitempty" validate:"omitempty,duration"`
}

// PortConfig declares one port.
type PortConfig struct {
	Name        string      `yaml:"name" validate:"required,excludesall=. "`
	Type        string      `yaml:"type" validate:"required,oneof=number float int string str bool"`
	Default     interface{} `yaml:"default,omitempty"`
	Description string      `yaml:"description,omitempty"`
}

// ConnectionConfig links an output to an input, both as dotted paths.
type ConnectionConfig struct {
	From string `yaml:"from" validate:"required"`
	To   string `yaml:"to" validate:"required"`
}

// TimeoutDuration parses Timeout. An empty value yields zero.
func (c ComponentConfig) TimeoutDuration() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Timeout)
}

// ValidationError is one problem found in a model file.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed), when known.
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed), when known.
	Column int `json:"column,omitempty"`

	// Path locates the offending field (e.g., "components[1].inputs[0].type").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning).
	Severity string `json:"severity"`
}

// Error formats the problem as file:line:col: path: message.
func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
			if e.Column > 0 {
				fmt.Fprintf(&b, ":%d", e.Column)
			}
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in a model file.
type ValidationErrors []ValidationError

// Error joins the individual messages.
func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// hclModel is the HCL form of ModelConfig:
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
//	connect {
//	  from = "t.x"
//	  to   = "s.i"
//	}
//
//	set = { "t.a" = 2 }
type hclModel struct {
	Name        string          `hcl:"name,attr"`
	Description string          `hcl:"description,optional"`
	Sandbox     string          `hcl:"sandbox,optional"`
	Components  []*hclComponent `hcl:"component,block"`
	Connections []*hclConnect   `hcl:"connect,block"`
	Set         cty.Value       `hcl:"set,optional"`
	Workflow    []string        `hcl:"workflow,optional"`
}

type hclComponent struct {
	Name        string            `hcl:"name,label"`
	Kind        string            `hcl:"kind,attr"`
	Description string            `hcl:"description,optional"`
	Inputs      []*hclPort        `hcl:"input,block"`
	Outputs     []*hclPort        `hcl:"output,block"`
	Script      string            `hcl:"script,optional"`
	ScriptFile  string            `hcl:"script_file,optional"`
	Command     string            `hcl:"command,optional"`
	Stdin       string            `hcl:"stdin,optional"`
	Stdout      string            `hcl:"stdout,optional"`
	Stderr      string            `hcl:"stderr,optional"`
	Env         map[string]string `hcl:"env,optional"`
	WorkDir     string            `hcl:"work_dir,optional"`
	InstanceDir bool              `hcl:"instance_dir,optional"`
	Timeout     string            `hcl:"timeout,optional"`
}

type hclPort struct {
	Name        string    `hcl:"name,label"`
	Type        string    `hcl:"type,attr"`
	Default     cty.Value `hcl:"default,optional"`
	Description string    `hcl:"description,optional"`
}

type hclConnect struct {
	From string `hcl:"from,attr"`
	To   string `hcl:"to,attr"`
}
