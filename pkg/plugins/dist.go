package plugins

import (
	"archive/tar"
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/lazyflow/lazyflow/pkg/engine"
)

// ChecksumSuffix is appended to a distribution path to name its checksum file.
const ChecksumSuffix = ".sha256"

// distExcludes are slash-separated patterns, relative to the plugin
// directory, that never go into a distribution.
var distExcludes = compileGlobs(
	".*",
	"**/.*",
	"*.tar.gz",
	"*.tar.gz"+ChecksumSuffix,
	DocsDir+"/_build",
)

func compileGlobs(patterns ...string) []glob.Glob {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, glob.MustCompile(p, '/'))
	}
	return out
}

func excluded(rel string) bool {
	for _, g := range distExcludes {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// MakeDist packs the plugin in srcDir into <distDir>/<name>-<version>.tar.gz
// and writes its sha256 next to it. An empty distDir selects srcDir.
// It returns the archive path.
func MakeDist(ctx context.Context, srcDir, distDir string) (string, error) {
	srcDir, err := existingDir(srcDir)
	if err != nil {
		return "", err
	}
	m, err := LoadManifest(srcDir)
	if err != nil {
		return "", err
	}
	if distDir == "" {
		distDir = srcDir
	}
	if distDir, err = existingDir(distDir); err != nil {
		return "", err
	}

	archive := filepath.Join(distDir, m.DistName())
	if _, err := os.Stat(archive); err == nil {
		return "", engine.NewPermanentError(fmt.Sprintf("distribution '%s' already exists", archive), nil).
			WithCode(engine.ErrCodeAlreadyExists).WithResource(archive)
	}

	tmp, err := os.CreateTemp(distDir, ".dist-*")
	if err != nil {
		return "", fmt.Errorf("failed to create distribution: %w", err)
	}
	defer os.Remove(tmp.Name())

	sum := sha256.New()
	if err := writeArchive(ctx, io.MultiWriter(tmp, sum), srcDir, m.Name); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close distribution: %w", err)
	}
	if err := os.Rename(tmp.Name(), archive); err != nil {
		return "", fmt.Errorf("failed to write distribution: %w", err)
	}

	digest := hex.EncodeToString(sum.Sum(nil))
	line := fmt.Sprintf("%s  %s\n", digest, filepath.Base(archive))
	if err := os.WriteFile(archive+ChecksumSuffix, []byte(line), 0o644); err != nil {
		return "", fmt.Errorf("failed to write checksum: %w", err)
	}

	zerolog.Ctx(ctx).Info().
		Str("plugin", m.Name).
		Str("version", m.Version).
		Str("dist", archive).
		Str("sha256", digest).
		Msg("Plugin distribution created")
	return archive, nil
}

// writeArchive writes srcDir as a gzipped tar whose entries live under prefix/.
func writeArchive(ctx context.Context, w io.Writer, srcDir, prefix string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = path.Join(prefix, rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", srcDir, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	return nil
}

// Install verifies dist against its checksum file and unpacks it into
// <pluginsDir>/<name>. Docs are built when the plugin has any.
func Install(ctx context.Context, dist, pluginsDir string) (*Manifest, error) {
	digest, err := verifyChecksum(dist)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(pluginsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plugins directory: %w", err)
	}
	staging, err := os.MkdirTemp(pluginsDir, ".install-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	top, err := extractArchive(ctx, dist, staging)
	if err != nil {
		return nil, err
	}

	m, err := LoadManifest(filepath.Join(staging, top))
	if err != nil {
		return nil, err
	}
	if m.Name != top {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("distribution holds %s but its manifest names %s", top, m.Name), nil,
		).WithCode(engine.ErrCodeValidation).WithResource(dist)
	}

	target := filepath.Join(pluginsDir, m.Name)
	if _, err := os.Stat(target); err == nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("plugin %s is already installed", m.Name), nil).
			WithCode(engine.ErrCodeAlreadyExists).WithResource(target)
	}

	m.Checksum = digest
	if err := m.Save(m.Dir); err != nil {
		return nil, err
	}
	if err := os.Rename(m.Dir, target); err != nil {
		return nil, fmt.Errorf("failed to install plugin: %w", err)
	}
	m.Dir = target

	logger := zerolog.Ctx(ctx)
	if _, err := os.Stat(filepath.Join(target, DocsDir)); err == nil {
		if _, err := BuildDocs(target); err != nil {
			logger.Warn().Err(err).Str("plugin", m.Name).Msg("Failed to build plugin docs")
		}
	}

	logger.Info().
		Str("plugin", m.Name).
		Str("version", m.Version).
		Str("dir", target).
		Msg("Plugin installed")
	return m, nil
}

// Uninstall removes an installed plugin.
func Uninstall(pluginsDir, name string) error {
	dir := filepath.Join(pluginsDir, name)
	if _, err := LoadManifest(dir); err != nil {
		return notInstalled(name, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove plugin %s: %w", name, err)
	}
	return nil
}

// verifyChecksum compares dist with the digest in dist.sha256.
func verifyChecksum(dist string) (string, error) {
	f, err := os.Open(dist + ChecksumSuffix)
	if err != nil {
		return "", engine.NewPermanentError(fmt.Sprintf("no checksum file for %s", dist), err).
			WithCode(engine.ErrCodeValidation).WithResource(dist)
	}
	defer f.Close()

	var want string
	sc := bufio.NewScanner(f)
	if sc.Scan() {
		if fields := strings.Fields(sc.Text()); len(fields) > 0 {
			want = strings.ToLower(fields[0])
		}
	}
	if want == "" {
		return "", engine.NewPermanentError(fmt.Sprintf("empty checksum file for %s", dist), sc.Err()).
			WithCode(engine.ErrCodeValidation).WithResource(dist)
	}

	in, err := os.Open(dist)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", engine.NewPermanentError(fmt.Sprintf("distribution '%s' does not exist", dist), err).
				WithCode(engine.ErrCodeNotFound).WithResource(dist)
		}
		return "", fmt.Errorf("failed to open distribution: %w", err)
	}
	defer in.Close()

	sum := sha256.New()
	if _, err := io.Copy(sum, in); err != nil {
		return "", fmt.Errorf("failed to read distribution: %w", err)
	}
	got := hex.EncodeToString(sum.Sum(nil))
	if got != want {
		return "", engine.NewPermanentError(
			fmt.Sprintf("checksum mismatch: expected %s, got %s", want, got), nil,
		).WithCode(engine.ErrCodeValidation).WithResource(dist)
	}
	return got, nil
}

// extractArchive unpacks dist into dir and returns its single top-level
// directory name.
func extractArchive(ctx context.Context, dist, dir string) (string, error) {
	f, err := os.Open(dist)
	if err != nil {
		return "", fmt.Errorf("failed to open distribution: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", engine.NewPermanentError("distribution is not gzipped", err).
			WithCode(engine.ErrCodeValidation).WithResource(dist)
	}
	defer gz.Close()

	var top string
	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read distribution: %w", err)
		}

		name := path.Clean(hdr.Name)
		if path.IsAbs(name) || name == "." || name == ".." || strings.HasPrefix(name, "../") {
			return "", engine.NewPermanentError(fmt.Sprintf("unsafe path %q in distribution", hdr.Name), nil).
				WithCode(engine.ErrCodeValidation).WithResource(dist)
		}
		first := strings.SplitN(name, "/", 2)[0]
		if top == "" {
			top = first
		} else if first != top {
			return "", engine.NewPermanentError("distribution must hold a single directory", nil).
				WithCode(engine.ErrCodeValidation).WithResource(dist)
		}

		target := filepath.Join(dir, filepath.FromSlash(name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", fmt.Errorf("failed to create %s: %w", name, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()|0o600); err != nil {
				return "", fmt.Errorf("failed to extract %s: %w", name, err)
			}
		}
	}
	if top == "" {
		return "", engine.NewPermanentError("distribution is empty", nil).
			WithCode(engine.ErrCodeValidation).WithResource(dist)
	}
	return top, nil
}

func writeFile(path string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// existingDir returns the absolute form of dir, which must be a directory.
func existingDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", engine.NewPermanentError(fmt.Sprintf("directory '%s' does not exist", abs), err).
			WithCode(engine.ErrCodeNotFound).WithResource(abs)
	}
	return abs, nil
}

func notInstalled(name string, err error) error {
	return engine.NewPermanentError(fmt.Sprintf("Can't locate plugin '%s'", name), err).
		WithCode(engine.ErrCodeNotFound).WithResource(name)
}
