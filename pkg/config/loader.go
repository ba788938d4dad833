package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/rs/zerolog"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"gopkg.in/yaml.v3"

	"github.com/lazyflow/lazyflow/pkg/components"
	"github.com/lazyflow/lazyflow/pkg/engine"
	"github.com/lazyflow/lazyflow/pkg/extcode"
	"github.com/lazyflow/lazyflow/pkg/telemetry"
)

// DefaultSandbox is the extcode sandbox root, relative to the model file.
const DefaultSandbox = ".lazyflow/work"

// Loader reads, validates and builds model files.
type Loader struct {
	kinds    *components.Registry
	validate *validator.Validate
}

// NewLoader creates a loader resolving component kinds through kinds.
// A nil registry selects the built-in kinds.
func NewLoader(kinds *components.Registry) *Loader {
	if kinds == nil {
		kinds = components.NewRegistry()
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d >= 0
	})

	return &Loader{
		kinds:    kinds,
		validate: v,
	}
}

// Kinds returns the component kind registry.
func (l *Loader) Kinds() *components.Registry {
	return l.kinds
}

// LoadFile reads a model file. The format follows the extension:
// .yaml/.yml or .hcl.
func (l *Loader) LoadFile(ctx context.Context, path string) (*ModelConfig, error) {
	logger := zerolog.Ctx(ctx)
	logger.Debug().Str("path", path).Msg("Loading model file")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewPermanentError("failed to read model file", err).
			WithCode(engine.ErrCodeNotFound).
			WithResource(path)
	}

	var cfg *ModelConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = l.ParseYAML(data, path)
	case ".hcl":
		cfg, err = l.ParseHCL(data, path)
	default:
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unsupported model file extension %q (want .yaml, .yml or .hcl)", filepath.Ext(path)), nil,
		).WithCode(engine.ErrCodeValidation).WithResource(path)
	}
	if err != nil {
		return nil, err
	}

	logger.Debug().
		Str("model", cfg.Name).
		Int("components", len(cfg.Components)).
		Int("connections", len(cfg.Connections)).
		Msg("Decoded model file")
	return cfg, nil
}

// ParseYAML decodes a YAML model. Unknown fields are rejected.
func (l *Loader) ParseYAML(data []byte, filename string) (*ModelConfig, error) {
	cfg := &ModelConfig{Telemetry: telemetry.DefaultConfig()}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, engine.NewPermanentError("failed to decode YAML model", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(filename)
	}
	cfg.SourceFile = filename
	return cfg, nil
}

// ParseHCL decodes an HCL model.
func (l *Loader) ParseHCL(data []byte, filename string) (*ModelConfig, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, diagnosticsError("failed to parse HCL model", filename, diags)
	}

	var raw hclModel
	if diags := gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return nil, diagnosticsError("failed to decode HCL model", filename, diags)
	}

	cfg := &ModelConfig{
		Name:        raw.Name,
		Description: raw.Description,
		Sandbox:     raw.Sandbox,
		Workflow:    raw.Workflow,
		Telemetry:   telemetry.DefaultConfig(),
		SourceFile:  filename,
	}
	for _, c := range raw.Components {
		cc := ComponentConfig{
			Name:        c.Name,
			Kind:        c.Kind,
			Description: c.Description,
			Script:      c.Script,
			ScriptFile:  c.ScriptFile,
			Command:     c.Command,
			Stdin:       c.Stdin,
			Stdout:      c.Stdout,
			Stderr:      c.Stderr,
			Env:         c.Env,
			WorkDir:     c.WorkDir,
			InstanceDir: c.InstanceDir,
			Timeout:     c.Timeout,
		}
		for _, p := range c.Inputs {
			cc.Inputs = append(cc.Inputs, p.toConfig())
		}
		for _, p := range c.Outputs {
			cc.Outputs = append(cc.Outputs, p.toConfig())
		}
		cfg.Components = append(cfg.Components, cc)
	}
	for _, c := range raw.Connections {
		cfg.Connections = append(cfg.Connections, ConnectionConfig{From: c.From, To: c.To})
	}

	if !raw.Set.IsNull() && raw.Set.IsKnown() {
		if !raw.Set.Type().IsObjectType() && !raw.Set.Type().IsMapType() {
			return nil, engine.NewPermanentError("set must be an object of path = value", nil).
				WithCode(engine.ErrCodeValidation).
				WithResource(filename)
		}
		cfg.Set = make(map[string]interface{})
		for it := raw.Set.ElementIterator(); it.Next(); {
			k, v := it.Element()
			cfg.Set[k.AsString()] = engine.ValueToGo(v)
		}
	}
	return cfg, nil
}

func (p *hclPort) toConfig() PortConfig {
	pc := PortConfig{Name: p.Name, Type: p.Type, Description: p.Description}
	if !p.Default.IsNull() {
		pc.Default = engine.ValueToGo(p.Default)
	}
	return pc
}

// diagnosticsError converts HCL diagnostics into ValidationErrors with positions.
func diagnosticsError(msg, filename string, diags hcl.Diagnostics) error {
	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity != hcl.DiagError {
			continue
		}
		ve := ValidationError{
			File:     filename,
			Message:  strings.TrimSpace(d.Summary + ": " + d.Detail),
			Severity: "error",
		}
		if d.Subject != nil {
			ve.File = d.Subject.Filename
			ve.Line = d.Subject.Start.Line
			ve.Column = d.Subject.Start.Column
		}
		errs = append(errs, ve)
	}
	return engine.NewPermanentError(msg, errs).
		WithCode(engine.ErrCodeValidation).
		WithResource(filename)
}

// Validate checks cfg for structural and referential problems and reports
// all of them at once.
func (l *Loader) Validate(cfg *ModelConfig) error {
	var errs ValidationErrors
	add := func(path, format string, args ...interface{}) {
		errs = append(errs, ValidationError{
			File:     cfg.SourceFile,
			Path:     path,
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		})
	}

	if err := l.validate.Struct(cfg); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				add(fieldPath(fe.Namespace()), "failed on '%s' validation", fe.Tag())
			}
		} else {
			add("", "%v", err)
		}
	}

	// name -> port name -> direction
	ports := make(map[string]map[string]engine.Direction)
	for i, c := range cfg.Components {
		path := fmt.Sprintf("components[%d]", i)
		if _, dup := ports[c.Name]; dup {
			add(path+".name", "duplicate component name %q", c.Name)
			continue
		}
		if c.Kind != "" {
			if _, ok := l.kinds.Lookup(c.Kind); !ok {
				add(path+".kind", "unknown component kind %q", c.Kind)
			}
		}
		switch c.Kind {
		case components.KindScript:
			if c.Script == "" && c.ScriptFile == "" {
				add(path, "script components need script or script_file")
			}
		case components.KindExtcode:
			if strings.TrimSpace(c.Command) == "" {
				add(path+".command", "Null command line")
			}
		}

		set := make(map[string]engine.Direction)
		declare := func(list []PortConfig, field string, dir engine.Direction) {
			for j, p := range list {
				if _, dup := set[p.Name]; dup {
					add(fmt.Sprintf("%s.%s[%d].name", path, field, j), "duplicate port name %q", p.Name)
					continue
				}
				set[p.Name] = dir
				if p.Default == nil {
					continue
				}
				if _, err := portDefault(p); err != nil {
					add(fmt.Sprintf("%s.%s[%d].default", path, field, j), "%v", err)
				}
			}
		}
		declare(c.Inputs, "inputs", engine.DirectionIn)
		declare(c.Outputs, "outputs", engine.DirectionOut)
		if c.Kind == components.KindExtcode {
			set[components.OutputReturnCode] = engine.DirectionOut
			set[components.OutputTimedOut] = engine.DirectionOut
		}
		ports[c.Name] = set
	}

	checkPort := func(path, ref string, want engine.Direction) bool {
		r, err := engine.ParsePortRef(ref)
		if err != nil {
			add(path, "invalid port path %q", ref)
			return false
		}
		set, ok := ports[r.Component]
		if !ok {
			add(path, "unknown component %q", r.Component)
			return false
		}
		dir, ok := set[r.Name]
		if !ok {
			add(path, "component %s has no port %q", r.Component, r.Name)
			return false
		}
		if dir != want {
			add(path, "%s is not an %sput", ref, want)
			return false
		}
		return true
	}

	fed := make(map[string]string)
	for i, c := range cfg.Connections {
		path := fmt.Sprintf("connections[%d]", i)
		okFrom := checkPort(path+".from", c.From, engine.DirectionOut)
		okTo := checkPort(path+".to", c.To, engine.DirectionIn)
		if !okFrom || !okTo {
			continue
		}
		if prev, dup := fed[c.To]; dup && prev != c.From {
			add(path+".to", "%s is already connected to %s", c.To, prev)
			continue
		}
		fed[c.To] = c.From
	}

	for p := range cfg.Set {
		if checkPort("set."+p, p, engine.DirectionIn) {
			if src, connected := fed[p]; connected {
				add("set."+p, "cannot set %s: it is connected to %s", p, src)
			}
		}
	}

	for i, name := range cfg.Workflow {
		if _, ok := ports[name]; !ok {
			add(fmt.Sprintf("workflow[%d]", i), "unknown component %q", name)
		}
	}

	if cfg.Telemetry != nil {
		if err := cfg.Telemetry.Validate(); err != nil {
			add("telemetry", "%v", err)
		}
	}

	if len(errs) > 0 {
		return engine.NewPermanentError(fmt.Sprintf("model %s is invalid (%d problems)", cfg.Name, len(errs)), errs).
			WithCode(engine.ErrCodeValidation).
			WithResource(cfg.SourceFile).
			WithOperation("validate")
	}
	return nil
}

// fieldPath strips the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if idx := strings.Index(ns, "."); idx >= 0 {
		return ns[idx+1:]
	}
	return ns
}

// Build validates cfg and turns it into a ready-to-run model. Executor
// options (logger, metrics, tracer, journal) are passed through to the model.
func (l *Loader) Build(ctx context.Context, cfg *ModelConfig, opts ...engine.ExecutorOption) (*engine.Model, error) {
	if err := l.Validate(cfg); err != nil {
		return nil, err
	}

	baseDir := "."
	if cfg.SourceFile != "" {
		baseDir = filepath.Dir(cfg.SourceFile)
	}

	var sandbox *extcode.Sandbox
	for _, c := range cfg.Components {
		if c.Kind != components.KindExtcode {
			continue
		}
		root := cfg.Sandbox
		if root == "" {
			root = DefaultSandbox
		}
		if !filepath.IsAbs(root) {
			root = filepath.Join(baseDir, root)
		}
		sb, err := extcode.NewSandbox(root)
		if err != nil {
			return nil, err
		}
		sandbox = sb
		break
	}

	m := engine.NewModel(cfg.Name, opts...)
	for _, c := range cfg.Components {
		def, err := l.definition(c, baseDir, sandbox)
		if err != nil {
			return nil, err
		}
		comp, err := l.kinds.Build(def)
		if err != nil {
			return nil, err
		}
		if err := m.Add(comp); err != nil {
			return nil, err
		}
	}

	for _, c := range cfg.Connections {
		if err := m.Connect(c.From, c.To); err != nil {
			return nil, err
		}
	}

	for path, v := range cfg.Set {
		if err := m.SetGo(path, v); err != nil {
			return nil, err
		}
	}

	if len(cfg.Workflow) > 0 {
		if err := m.SetWorkflow(cfg.Workflow...); err != nil {
			return nil, err
		}
	}

	zerolog.Ctx(ctx).Debug().Str("model", cfg.Name).Msg("Model built")
	return m, nil
}

// Load reads, validates and builds a model file in one step.
func (l *Loader) Load(ctx context.Context, path string, opts ...engine.ExecutorOption) (*engine.Model, *ModelConfig, error) {
	cfg, err := l.LoadFile(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	m, err := l.Build(ctx, cfg, opts...)
	if err != nil {
		return nil, cfg, err
	}
	return m, cfg, nil
}

func (l *Loader) definition(c ComponentConfig, baseDir string, sandbox *extcode.Sandbox) (components.Definition, error) {
	timeout, err := c.TimeoutDuration()
	if err != nil {
		return components.Definition{}, engine.NewPermanentError("invalid timeout", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(c.Name)
	}

	def := components.Definition{
		Name:              c.Name,
		Kind:              c.Kind,
		Description:       c.Description,
		Script:            c.Script,
		Command:           c.Command,
		Stdin:             c.Stdin,
		Stdout:            c.Stdout,
		Stderr:            c.Stderr,
		Env:               c.Env,
		WorkDir:           c.WorkDir,
		CreateInstanceDir: c.InstanceDir,
		Sandbox:           sandbox,
		Timeout:           timeout,
	}

	if strings.EqualFold(def.Stderr, "STDOUT") {
		def.Stderr = extcode.STDOUT
	}

	if c.ScriptFile != "" {
		path := c.ScriptFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return components.Definition{}, engine.NewPermanentError("failed to read script file", err).
				WithCode(engine.ErrCodeNotFound).
				WithResource(c.Name)
		}
		def.Script = string(data)
	}

	for _, p := range c.Inputs {
		spec, err := portSpec(p)
		if err != nil {
			return components.Definition{}, err
		}
		def.Inputs = append(def.Inputs, spec)
	}
	for _, p := range c.Outputs {
		spec, err := portSpec(p)
		if err != nil {
			return components.Definition{}, err
		}
		def.Outputs = append(def.Outputs, spec)
	}
	return def, nil
}

func portSpec(p PortConfig) (engine.PortSpec, error) {
	typ, err := engine.ParseType(p.Type)
	if err != nil {
		return engine.PortSpec{}, err
	}
	spec := engine.PortSpec{Name: p.Name, Type: typ, Description: p.Description}
	if p.Default != nil {
		def, err := portDefault(p)
		if err != nil {
			return engine.PortSpec{}, err
		}
		spec.Default = def
	}
	return spec, nil
}

// portDefault converts a decoded default to the declared port type.
func portDefault(p PortConfig) (cty.Value, error) {
	typ, err := engine.ParseType(p.Type)
	if err != nil {
		return cty.NilVal, err
	}
	v, err := engine.GoToValue(p.Default)
	if err != nil {
		return cty.NilVal, err
	}
	converted, err := convert.Convert(v, typ)
	if err != nil {
		return cty.NilVal, fmt.Errorf("default %v is not a %s", p.Default, typ.FriendlyName())
	}
	return converted, nil
}
