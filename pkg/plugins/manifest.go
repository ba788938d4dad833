package plugins

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lazyflow/lazyflow/pkg/engine"
)

// File names inside a plugin directory.
const (
	ManifestFile = "plugin.yaml"
	ScriptFile   = "component.star"
	DocsDir      = "docs"
	TestDir      = "test"
)

// Plugin groups.
const (
	GroupComponent = "component"
	GroupDriver    = "driver"
)

// Manifest describes a plugin. It is stored as plugin.yaml at the root of
// the plugin directory.
type Manifest struct {
	// Name is the plugin name. Component plugins register a kind of the
	// same name.
	Name string `yaml:"name" validate:"required,plugin_name"`

	Version string `yaml:"version" validate:"required,printascii,excludesall=/ "`

	// Group is component or driver.
	Group string `yaml:"group" validate:"required,oneof=component driver"`

	// Class is the public name of the component the plugin provides.
	Class string `yaml:"class" validate:"required,alphanum"`

	Description string `yaml:"description,omitempty"`
	Author      string `yaml:"author,omitempty"`
	License     string `yaml:"license,omitempty"`

	// Checksum is the sha256 of the distribution the plugin was installed
	// from. It is empty in source trees.
	Checksum string `yaml:"checksum,omitempty" validate:"omitempty,len=64,hexadecimal"`

	// Dir is the directory the manifest was loaded from.
	Dir string `yaml:"-"`
}

// QualifiedClass returns "<name>.<class>", the name listings show.
func (m *Manifest) QualifiedClass() string {
	return m.Name + "." + m.Class
}

// DistName returns the base name of the plugin's distribution archive.
func (m *Manifest) DistName() string {
	return fmt.Sprintf("%s-%s.tar.gz", m.Name, m.Version)
}

var (
	pluginNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

	manifestValidator = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("plugin_name", func(fl validator.FieldLevel) bool {
		return pluginNameRe.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks the manifest fields.
func (m *Manifest) Validate() error {
	err := manifestValidator.Struct(m)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return engine.NewPermanentError("invalid manifest", err).WithCode(engine.ErrCodeValidation)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed on '%s'", fe.Field(), fe.Tag()))
	}
	return engine.NewPermanentError("invalid manifest: "+strings.Join(msgs, "; "), nil).
		WithCode(engine.ErrCodeValidation).
		WithResource(m.Name)
}

// LoadManifest reads and validates dir/plugin.yaml.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("directory '%s' does not contain '%s'", dir, ManifestFile), err,
			).WithCode(engine.ErrCodeNotFound).WithResource(dir)
		}
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, engine.NewPermanentError("failed to parse manifest YAML", err).
			WithCode(engine.ErrCodeValidation).WithResource(path)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	m.Dir = dir
	return &m, nil
}

// Save writes the manifest to dir/plugin.yaml.
func (m *Manifest) Save(dir string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
