package plugins

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"
	"unicode"

	"github.com/lazyflow/lazyflow/pkg/engine"
)

// QuickstartOptions configures a new plugin skeleton.
type QuickstartOptions struct {
	Name string

	// Class defaults to the capitalized name ("foo_bar" becomes "FooBar").
	Class string

	// Group defaults to component.
	Group string

	// Version defaults to 0.1.
	Version string

	// Dest is the parent directory. Defaults to the current directory.
	Dest string

	Author  string
	License string
}

type skeletonFile struct {
	path string
	tmpl *template.Template
}

var skeleton = []skeletonFile{
	{"README.md", template.Must(template.New("readme").Parse(readmeTemplate))},
	{ScriptFile, template.Must(template.New("script").Parse(scriptTemplate))},
	{filepath.Join(DocsDir, "index.md"), template.Must(template.New("index").Parse(indexTemplate))},
	{filepath.Join(DocsDir, "usage.md"), template.Must(template.New("usage").Parse(usageTemplate))},
}

var testTemplate = template.Must(template.New("test").Parse(testModelTemplate))

// Quickstart creates the skeleton of a new plugin in <Dest>/<Name> and
// returns that directory. It fails if the directory already exists.
func Quickstart(opts QuickstartOptions) (string, error) {
	m := &Manifest{
		Name:    opts.Name,
		Version: opts.Version,
		Group:   opts.Group,
		Class:   opts.Class,
		Author:  opts.Author,
		License: opts.License,
	}
	if m.Version == "" {
		m.Version = "0.1"
	}
	if m.Group == "" {
		m.Group = GroupComponent
	}
	if m.Class == "" {
		m.Class = className(m.Name)
	}
	if m.License == "" {
		m.License = "Apache-2.0"
	}
	m.Description = fmt.Sprintf("The %s %s", m.Class, m.Group)
	if err := m.Validate(); err != nil {
		return "", err
	}

	dest := opts.Dest
	if dest == "" {
		dest = "."
	}
	dest, err := filepath.Abs(dest)
	if err != nil {
		return "", fmt.Errorf("failed to resolve destination: %w", err)
	}
	dir := filepath.Join(dest, m.Name)

	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", engine.NewPermanentError(
				fmt.Sprintf("Can't create directory '%s' because it already exists.", dir), err,
			).WithCode(engine.ErrCodeAlreadyExists).WithResource(dir)
		}
		return "", fmt.Errorf("failed to create plugin directory: %w", err)
	}

	data := struct {
		*Manifest
		Year int
	}{m, time.Now().Year()}

	files := append([]skeletonFile{}, skeleton...)
	files = append(files, skeletonFile{filepath.Join(TestDir, m.Name+"_test.yaml"), testTemplate})

	for _, f := range files {
		var buf bytes.Buffer
		if err := f.tmpl.Execute(&buf, data); err != nil {
			return "", fmt.Errorf("failed to render %s: %w", f.path, err)
		}
		path := filepath.Join(dir, f.path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", fmt.Errorf("failed to create directory for %s: %w", f.path, err)
		}
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			return "", fmt.Errorf("failed to write %s: %w", f.path, err)
		}
	}

	if err := m.Save(dir); err != nil {
		return "", err
	}
	return dir, nil
}

// className turns a plugin name into a class name.
func className(name string) string {
	var b strings.Builder
	upper := true
	for _, r := range name {
		if r == '_' {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

const readmeTemplate = `# {{.Name}}

{{.Description}}.

Install the distribution built by ` + "`lazyflow plugin makedist`" + ` with

    lazyflow plugin install {{.Name}}-{{.Version}}.tar.gz

and use it in a model as ` + "`kind: {{.Name}}`" + `.
`

const scriptTemplate = `# {{.Class}}
#
# Inputs are predeclared globals and "connected" lists the outputs that
# something in the model consumes. Assign only the outputs you need.

if "y" in connected:
    y = x * 2
`

const indexTemplate = `# {{.Class}}

{{.Description}}, version {{.Version}}.

Copyright {{.Year}} {{if .Author}}{{.Author}}{{else}}the {{.Name}} authors{{end}}, {{.License}}.
`

const usageTemplate = `## Usage

Declare the ports of the component in your model file:

    - name: c
      kind: {{.Name}}
      inputs:  [{name: x, type: number, default: 1}]
      outputs: [{name: y, type: number}]
`

const testModelTemplate = `name: {{.Name}}_test
components:
  - name: c
    kind: {{.Name}}
    inputs:  [{name: x, type: number, default: 21}]
    outputs: [{name: y, type: number}]
  - name: check
    kind: sink
    inputs: [{name: y, type: number}]
connections:
  - {from: c.y, to: check.y}
`
