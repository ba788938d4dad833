package extcode

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/lazyflow/lazyflow/pkg/engine"
)

// Sandbox resolves component working directories below a root directory.
type Sandbox struct {
	Root string
}

// NewSandbox creates the root directory if needed and returns a sandbox over it.
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}
	return &Sandbox{Root: abs}, nil
}

// Dir returns <root>/<name>, creating it if needed. name must stay inside root.
func (s *Sandbox) Dir(name string) (string, error) {
	dir, err := s.path(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return dir, nil
}

// InstanceDir creates a fresh directory <root>/<name>-<uuid> so that several
// instances of the same component never share files.
func (s *Sandbox) InstanceDir(name string) (string, error) {
	dir, err := s.path(fmt.Sprintf("%s-%s", name, uuid.New().String()))
	if err != nil {
		return "", err
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create instance directory %s: %w", dir, err)
	}
	return dir, nil
}

// CopyFiles copies files (relative to root, or absolute) into dir, keeping
// their base names. It is used to stage constant input files.
func (s *Sandbox) CopyFiles(dir string, files ...string) error {
	for _, f := range files {
		src := f
		if !filepath.IsAbs(src) {
			src = filepath.Join(s.Root, f)
		}
		if err := copyFile(src, filepath.Join(dir, filepath.Base(f))); err != nil {
			return fmt.Errorf("failed to stage %s: %w", f, err)
		}
	}
	return nil
}

func (s *Sandbox) path(name string) (string, error) {
	if name == "" || filepath.IsAbs(name) {
		return "", engine.NewPermanentError(fmt.Sprintf("invalid sandbox directory %q", name), nil).
			WithCode(engine.ErrCodeValidation)
	}
	dir := filepath.Join(s.Root, name)
	rel, err := filepath.Rel(s.Root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", engine.NewPermanentError(fmt.Sprintf("sandbox directory %q escapes %s", name, s.Root), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return dir, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
