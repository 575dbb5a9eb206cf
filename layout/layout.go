// Package layout installs patched libraries into the trees an Android
// project consumes: a build-time ("imported") tree the native glue links
// against, and a run-time ("jniLibs") tree packaged into the application.
package layout

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Installer copies a staged library tree into the build-time and run-time
// destinations. A destination tree is owned by one run at a time.
type Installer struct {
	// BuildOnly names entries (files or directories, matched on any path
	// component) that are kept out of the run-time tree.
	BuildOnly []string

	// Flatten lists directories, relative to the source, whose files land
	// in the top level of the run-time tree. The build-time tree keeps the
	// nesting.
	Flatten []string

	// Only restricts a run to these top-level entries. The destinations
	// are then updated in place instead of being recreated.
	Only []string

	Logger *slog.Logger
}

// Result lists installed entries relative to their destination root.
type Result struct {
	Build    []string
	Runtime  []string
	Excluded []string
}

// Install copies src into buildDir and runtimeDir.
func (in *Installer) Install(src, buildDir, runtimeDir string) (*Result, error) {
	logger := in.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if len(in.Only) == 0 {
		if err := ResetDir(buildDir); err != nil {
			return nil, err
		}
		if err := ResetDir(runtimeDir); err != nil {
			return nil, err
		}
	} else {
		for _, dir := range []string{buildDir, runtimeDir} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create %s: %w", dir, err)
			}
		}
	}

	result := &Result{}
	runtimeNames := make(map[string]string)

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		top := strings.Split(rel, string(filepath.Separator))[0]
		if len(in.Only) > 0 {
			if !slices.Contains(in.Only, top) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if rel == top {
				if err := in.clearTop(top, buildDir, runtimeDir); err != nil {
					return err
				}
			}
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		if err := copyEntry(path, filepath.Join(buildDir, rel), info.Mode(), CopyFile); err != nil {
			return err
		}
		if !d.IsDir() {
			result.Build = append(result.Build, rel)
		}

		if in.buildOnly(rel) {
			if !in.buildOnly(filepath.Dir(rel)) {
				result.Excluded = append(result.Excluded, rel)
				logger.Debug("keeping build-only entry out of run-time tree", "entry", rel)
			}
			return nil
		}

		runtimeRel, ok := in.runtimePath(rel, d.IsDir())
		if !ok {
			return nil
		}
		if !d.IsDir() {
			if prev, dup := runtimeNames[runtimeRel]; dup {
				return fmt.Errorf("run-time tree: %s and %s both install as %s", prev, rel, runtimeRel)
			}
			runtimeNames[runtimeRel] = rel
		}
		dst := filepath.Join(runtimeDir, runtimeRel)
		if info.Mode()&fs.ModeSymlink != 0 && runtimeRel != rel {
			err = in.relink(path, rel, runtimeRel, dst)
		} else {
			err = copyEntry(path, dst, info.Mode(), CopyFile)
		}
		if err != nil {
			return err
		}
		if !d.IsDir() {
			result.Runtime = append(result.Runtime, runtimeRel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("install %s: %w", src, err)
	}

	logger.Info("installed libraries",
		"build_dir", buildDir,
		"build", len(result.Build),
		"runtime_dir", runtimeDir,
		"runtime", len(result.Runtime),
		"excluded", len(result.Excluded),
	)
	return result, nil
}

// buildOnly reports whether any component of rel is a build-only name.
func (in *Installer) buildOnly(rel string) bool {
	if rel == "." || rel == "" {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if slices.Contains(in.BuildOnly, part) {
			return true
		}
	}
	return false
}

// runtimePath maps a source-relative path to its run-time location. Entries
// below a flattened directory move to the top level; the directories
// themselves are not created.
func (in *Installer) runtimePath(rel string, isDir bool) (string, bool) {
	for _, dir := range in.Flatten {
		dir = filepath.Clean(dir)
		if rel == dir || strings.HasPrefix(rel, dir+string(filepath.Separator)) {
			if isDir {
				return "", false
			}
			return filepath.Base(rel), true
		}
	}
	return rel, true
}

// relink recreates a symlink moved by flattening. Relative targets are
// resolved in the source tree and rewritten against the link's new
// location; targets outside the source tree are rejected.
func (in *Installer) relink(path, rel, runtimeRel, dst string) error {
	target, err := os.Readlink(path)
	if err != nil {
		return fmt.Errorf("readlink %s: %w", path, err)
	}
	if !filepath.IsAbs(target) {
		resolved := filepath.Join(filepath.Dir(rel), target)
		if resolved == ".." || strings.HasPrefix(resolved, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%s: link target %s leaves the staged tree", rel, target)
		}
		mapped, _ := in.runtimePath(resolved, false)
		target, err = filepath.Rel(filepath.Dir(runtimeRel), mapped)
		if err != nil {
			return err
		}
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("replace %s: %w", dst, err)
	}
	if err := os.Symlink(target, dst); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", dst, target, err)
	}
	return nil
}

func (in *Installer) clearTop(top, buildDir, runtimeDir string) error {
	for _, path := range []string{filepath.Join(buildDir, top), filepath.Join(runtimeDir, top)} {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return nil
}
