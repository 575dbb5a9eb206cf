// Package toolchain drives the Cerbero cross-compilation checkout that
// produces the packaged sysroot archives.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sliverarmory/sonamer/config"
	"github.com/sliverarmory/sonamer/layout"
)

// ErrProductMissing is returned when a checkout lacks a packaged archive.
var ErrProductMissing = errors.New("cerbero product missing")

// launcher is the checkout-relative entry point of Cerbero.
const launcher = "cerbero-uninstalled"

// Runner executes name with args in dir.
type Runner func(ctx context.Context, dir, name string, args ...string) error

// Cerbero manages a checkout at <BuildDir>/cerbero.
type Cerbero struct {
	BuildDir string
	Origin   string
	Branch   string
	// Package is the package built by Package, e.g. "wpewebkit".
	Package string
	Arch    config.Arch
	// Debug patches the recipes for a debug build before packaging.
	Debug bool

	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger

	// Run defaults to executing the command with os/exec.
	Run Runner
}

// Dir is the checkout directory.
func (c *Cerbero) Dir() string {
	return filepath.Join(c.BuildDir, "cerbero")
}

// Ensure clones the checkout, or resets an existing one to the tip of the
// branch, and bootstraps it.
func (c *Cerbero) Ensure(ctx context.Context) error {
	logger := c.logger()
	dir := c.Dir()

	if isFile(filepath.Join(dir, launcher)) {
		logger.Info("updating cerbero checkout", "dir", dir, "branch", c.Branch)
		if err := c.run(ctx, dir, "git", "reset", "--hard", "origin/"+c.Branch); err != nil {
			return err
		}
		if err := c.run(ctx, dir, "git", "pull", "origin", c.Branch); err != nil {
			return err
		}
	} else {
		logger.Info("cloning cerbero", "origin", c.Origin, "branch", c.Branch, "dir", dir)
		if err := os.MkdirAll(c.BuildDir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", c.BuildDir, err)
		}
		if err := c.run(ctx, c.BuildDir, "git", "clone", "--branch", c.Branch, c.Origin, "cerbero"); err != nil {
			return err
		}
	}

	if err := c.cerbero(ctx, "bootstrap"); err != nil {
		return err
	}
	if c.Debug {
		if err := PatchRecipeForDebug(dir, c.Package); err != nil {
			return err
		}
		logger.Info("patched recipes for debug build", "package", c.Package)
	}
	return nil
}

// Build packages c.Package into BuildDir.
func (c *Cerbero) Build(ctx context.Context) error {
	c.logger().Info("packaging", "package", c.Package, "arch", c.Arch, "output", c.BuildDir)
	return c.cerbero(ctx, "package", "-o", c.BuildDir, "-f", c.Package)
}

func (c *Cerbero) cerbero(ctx context.Context, args ...string) error {
	dir := c.Dir()
	full := append([]string{"-c", filepath.Join(dir, "config", "cross-android-"+string(c.Arch))}, args...)
	return c.run(ctx, dir, "./"+launcher, full...)
}

func (c *Cerbero) run(ctx context.Context, dir, name string, args ...string) error {
	c.logger().Debug("running", "dir", dir, "command", name, "args", args)
	run := c.Run
	if run == nil {
		run = c.execRun
	}
	if err := run(ctx, dir, name, args...); err != nil {
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}

func (c *Cerbero) execRun(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	return cmd.Run()
}

func (c *Cerbero) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// debugEdits are applied to <checkout>/recipes/<pkg>.recipe and
// <checkout>/packages/<pkg>.package respectively.
var (
	recipeDebugEdits = strings.NewReplacer(
		"-DLOG_DISABLED=1", "-DLOG_DISABLED=0",
		"-DCMAKE_BUILD_TYPE=Release", "-DCMAKE_BUILD_TYPE=Debug",
		"self.append_env('WEBKIT_DEBUG', '')", "self.append_env('WEBKIT_DEBUG', 'all')",
	)
	packageDebugEdits = strings.NewReplacer("strip = True", "strip = False")
)

// PatchRecipeForDebug switches the recipe and package of pkg in checkout to
// an unstripped debug build with logging enabled. Patching twice is a no-op.
func PatchRecipeForDebug(checkout, pkg string) error {
	edits := []struct {
		path     string
		replacer *strings.Replacer
	}{
		{filepath.Join(checkout, "recipes", pkg+".recipe"), recipeDebugEdits},
		{filepath.Join(checkout, "packages", pkg+".package"), packageDebugEdits},
	}
	for _, edit := range edits {
		info, err := os.Stat(edit.path)
		if err != nil {
			return fmt.Errorf("debug patch: %w", err)
		}
		content, err := os.ReadFile(edit.path)
		if err != nil {
			return fmt.Errorf("debug patch: %w", err)
		}
		patched := edit.replacer.Replace(string(content))
		if err := os.WriteFile(edit.path, []byte(patched), info.Mode().Perm()); err != nil {
			return fmt.Errorf("debug patch: %w", err)
		}
	}
	return nil
}

// CopyProducts copies the named archives from a completed checkout into
// buildDir and returns their new paths.
func CopyProducts(checkout, buildDir string, names ...string) ([]string, error) {
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", buildDir, err)
	}
	paths := make([]string, 0, len(names))
	for _, name := range names {
		src := filepath.Join(checkout, name)
		if !isFile(src) {
			return nil, fmt.Errorf("%w: %s", ErrProductMissing, src)
		}
		dst := filepath.Join(buildDir, name)
		if sameFile(src, dst) {
			paths = append(paths, dst)
			continue
		}
		if err := layout.CopyFile(src, dst); err != nil {
			return nil, err
		}
		paths = append(paths, dst)
	}
	return paths, nil
}

// sameFile reports whether a and b name one existing file. CopyFile
// truncates its destination, so a product is never copied onto itself.
func sameFile(a, b string) bool {
	ia, err := os.Stat(a)
	if err != nil {
		return false
	}
	ib, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ia, ib)
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
