package plugins

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
)

const (
	buildDir  = "_build"
	indexFile = "index.html"
)

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Manifest.Name}} {{.Manifest.Version}}</title>
</head>
<body>
<header><h1>{{.Manifest.QualifiedClass}}</h1><p>{{.Manifest.Description}}</p></header>
{{range .Sections}}<section id="{{.ID}}">
{{.Body}}</section>
{{end}}</body>
</html>
`))

type docSection struct {
	ID   string
	Body template.HTML
}

// BuildDocs renders the Markdown files of <srcDir>/docs into a single
// <srcDir>/docs/_build/index.html and returns its path. index.md comes
// first, the rest follow by name.
func BuildDocs(srcDir string) (string, error) {
	srcDir, err := existingDir(srcDir)
	if err != nil {
		return "", err
	}
	m, err := LoadManifest(srcDir)
	if err != nil {
		return "", err
	}

	docs := filepath.Join(srcDir, DocsDir)
	pages, err := filepath.Glob(filepath.Join(docs, "*.md"))
	if err != nil {
		return "", fmt.Errorf("failed to list docs: %w", err)
	}
	sort.Slice(pages, func(i, j int) bool {
		a, b := filepath.Base(pages[i]), filepath.Base(pages[j])
		if (a == "index.md") != (b == "index.md") {
			return a == "index.md"
		}
		return a < b
	})

	md := goldmark.New()
	sections := make([]docSection, 0, len(pages))
	for _, p := range pages {
		src, err := os.ReadFile(p)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", filepath.Base(p), err)
		}
		var buf bytes.Buffer
		if err := md.Convert(src, &buf); err != nil {
			return "", fmt.Errorf("failed to render %s: %w", filepath.Base(p), err)
		}
		sections = append(sections, docSection{
			ID:   strings.TrimSuffix(filepath.Base(p), ".md"),
			Body: template.HTML(buf.String()),
		})
	}

	var page bytes.Buffer
	err = pageTemplate.Execute(&page, struct {
		Manifest *Manifest
		Sections []docSection
	}{m, sections})
	if err != nil {
		return "", fmt.Errorf("failed to render docs: %w", err)
	}

	out := filepath.Join(docs, buildDir)
	if err := os.MkdirAll(out, 0o755); err != nil {
		return "", fmt.Errorf("failed to create docs build directory: %w", err)
	}
	index := filepath.Join(out, indexFile)
	if err := os.WriteFile(index, page.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write docs: %w", err)
	}
	return index, nil
}
