package plugins

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lazyflow/lazyflow/pkg/components"
	"github.com/lazyflow/lazyflow/pkg/engine"
)

// Entry is one line of a plugin listing.
type Entry struct {
	Name        string `json:"name"`
	Class       string `json:"class"`
	Group       string `json:"group"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Builtin     bool   `json:"builtin"`
	Dir         string `json:"dir,omitempty"`
}

// ListOptions selects what List returns.
type ListOptions struct {
	// Groups filters by plugin group. Empty means all groups.
	Groups []string

	// Builtin and External select built-in kinds and installed plugins.
	// When neither is set both are listed.
	Builtin  bool
	External bool
}

// List returns the built-in component kinds of kinds and the plugins
// installed in pluginsDir, sorted by class. A missing pluginsDir holds no
// plugins.
func List(pluginsDir string, kinds *components.Registry, opts ListOptions) ([]Entry, error) {
	builtin, external := opts.Builtin, opts.External
	if !builtin && !external {
		builtin, external = true, true
	}
	for _, g := range opts.Groups {
		if g != GroupComponent && g != GroupDriver {
			return nil, engine.NewPermanentError(fmt.Sprintf("unknown plugin group %q", g), nil).
				WithCode(engine.ErrCodeValidation)
		}
	}

	var entries []Entry
	if builtin && kinds != nil {
		for _, k := range kinds.Kinds() {
			if !k.Builtin {
				continue
			}
			entries = append(entries, Entry{
				Name:        k.Name,
				Class:       "lazyflow.components." + k.Name,
				Group:       GroupComponent,
				Description: k.Description,
				Builtin:     true,
			})
		}
	}
	if external {
		manifests, err := Installed(pluginsDir)
		if err != nil {
			return nil, err
		}
		for _, m := range manifests {
			entries = append(entries, Entry{
				Name:        m.Name,
				Class:       m.QualifiedClass(),
				Group:       m.Group,
				Version:     m.Version,
				Description: m.Description,
				Dir:         m.Dir,
			})
		}
	}

	out := entries[:0]
	for _, e := range entries {
		if inGroups(e.Group, opts.Groups) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out, nil
}

func inGroups(group string, groups []string) bool {
	if len(groups) == 0 {
		return true
	}
	for _, g := range groups {
		if g == group {
			return true
		}
	}
	return false
}

// Installed loads the manifest of every plugin in pluginsDir.
func Installed(pluginsDir string) ([]*Manifest, error) {
	dirents, err := os.ReadDir(pluginsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plugins directory: %w", err)
	}

	var out []*Manifest
	for _, d := range dirents {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		dir := filepath.Join(pluginsDir, d.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err != nil {
			continue
		}
		m, err := LoadManifest(dir)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", d.Name(), err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Docs returns the path of the built documentation index of an installed
// plugin, building it first if needed.
func Docs(pluginsDir, name string) (string, error) {
	dir := filepath.Join(pluginsDir, name)
	if _, err := LoadManifest(dir); err != nil {
		return "", notInstalled(name, err)
	}
	index := filepath.Join(dir, DocsDir, buildDir, indexFile)
	if _, err := os.Stat(index); err == nil {
		return index, nil
	}
	return BuildDocs(dir)
}

// RegisterInstalled registers every installed component plugin of
// pluginsDir as a script kind of kinds. It returns the registered names.
func RegisterInstalled(pluginsDir string, kinds *components.Registry) ([]string, error) {
	manifests, err := Installed(pluginsDir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, m := range manifests {
		if m.Group != GroupComponent {
			continue
		}
		script, err := os.ReadFile(filepath.Join(m.Dir, ScriptFile))
		if err != nil {
			return names, fmt.Errorf("plugin %s: failed to read %s: %w", m.Name, ScriptFile, err)
		}
		err = kinds.Register(components.Kind{
			Name:        m.Name,
			Description: m.Description,
			New:         scriptFactory(string(script)),
		})
		if err != nil {
			return names, fmt.Errorf("plugin %s: %w", m.Name, err)
		}
		names = append(names, m.Name)
	}
	return names, nil
}

// scriptFactory builds script components running source unless the model
// supplies its own script.
func scriptFactory(source string) components.Factory {
	return func(def components.Definition) (*engine.Component, error) {
		if def.Script == "" {
			def.Script = source
		}
		return components.NewScript(def)
	}
}
