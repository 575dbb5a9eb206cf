// Package sonamer prepares cross-compiled shared libraries for an Android
// application. Versioned sonames (libfoo.so.1) are rewritten to names the
// Android packager accepts (libfoo_1.so) inside every library, and the
// result is installed into the project's build-time and run-time trees.
//
// A run is two-phase: every library is scanned and the complete rename plan
// is computed before any file is patched.
package sonamer

import (
	"context"
	"debug/elf"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sliverarmory/sonamer/closure"
	"github.com/sliverarmory/sonamer/config"
	"github.com/sliverarmory/sonamer/elfmeta"
	"github.com/sliverarmory/sonamer/layout"
	"github.com/sliverarmory/sonamer/manifest"
	"github.com/sliverarmory/sonamer/patch"
	"github.com/sliverarmory/sonamer/soname"
)

// NewReader returns the ELF metadata reader selected by cfg. Libraries
// without a SONAME are named after their file; callers that need a declared
// SONAME check Info.Declared.
func NewReader(cfg *config.Config) elfmeta.Reader {
	if cfg.Reader == config.ReaderNative {
		return elfmeta.NewNative(elfmeta.BasenameFallback)
	}
	return elfmeta.NewReadelf(cfg.Readelf, elfmeta.BasenameFallback)
}

// Pipeline installs the libraries of one sysroot for one architecture.
type Pipeline struct {
	Config *config.Config
	Arch   config.Arch

	// Root is the Android project root the layout is relative to.
	Root string
	// BuildDir holds downloaded archives, the sysroot, the staging tree
	// and manifests. Defaults to <Root>/build.
	BuildDir string

	// Reader defaults to NewReader(Config).
	Reader elfmeta.Reader
	Logger *slog.Logger
}

// InstallOptions tunes a single Install run.
type InstallOptions struct {
	// Only restricts the run to these entries of <sysroot>/lib (file
	// names of top-level libraries, or plugin and data directory
	// names). The plan still covers the whole sysroot, and the
	// destinations are updated in place rather than recreated.
	Only []string
}

// Result describes a finished Install run.
type Result struct {
	Plan     *soname.Plan
	Layout   *layout.Result
	Closure  *closure.Report
	Manifest string
}

// Paths are the absolute locations a run reads and writes.
type Paths struct {
	Include    string
	BuildLib   string
	RuntimeLib string
	Assets     string
	Stage      string
	Manifest   string
}

// Paths resolves the layout for p.Arch.
func (p *Pipeline) Paths() (Paths, error) {
	abi, err := p.Arch.ABI()
	if err != nil {
		return Paths{}, err
	}
	layoutCfg := p.Config.Layout
	paths := Paths{
		BuildLib:   filepath.Join(p.Root, layoutCfg.BuildLib, abi),
		RuntimeLib: filepath.Join(p.Root, layoutCfg.RuntimeLib, abi),
		Stage:      filepath.Join(p.buildDir(), "stage", abi),
		Manifest:   filepath.Join(p.buildDir(), "manifest-"+abi+".yaml"),
	}
	if layoutCfg.Include != "" {
		paths.Include = filepath.Join(p.Root, layoutCfg.Include)
	}
	if layoutCfg.Assets != "" {
		paths.Assets = filepath.Join(p.Root, layoutCfg.Assets)
	}
	return paths, nil
}

// scanned is a top-level library of the sysroot.
type scanned struct {
	path string
	name string
	info elfmeta.Info
}

// Install runs the reader, planner, patcher, installer and closure
// verifier over sysroot, which holds include/ and lib/ as extracted from
// the toolchain archives.
func (p *Pipeline) Install(ctx context.Context, sysroot string, opts InstallOptions) (*Result, error) {
	logger := p.logger()
	paths, err := p.Paths()
	if err != nil {
		return nil, err
	}
	machine, err := p.Arch.Machine()
	if err != nil {
		return nil, err
	}
	reader := p.reader()
	cfg := p.Config
	sysrootLib := filepath.Join(sysroot, "lib")

	if len(opts.Only) == 0 && paths.Include != "" {
		headers := make([]layout.Mapping, 0, len(cfg.Headers))
		for _, header := range cfg.Headers {
			headers = append(headers, layout.Mapping{From: header.From, To: header.To})
		}
		if err := layout.InstallHeaders(filepath.Join(sysroot, "include"), paths.Include, headers); err != nil {
			return nil, fmt.Errorf("headers: %w", err)
		}
		logger.Info("installed headers", "include_dir", paths.Include, "packages", len(headers))
	}

	// Phase 1: read every artifact and build the complete plan.
	libs, err := p.scanTopLevel(ctx, sysrootLib, machine, reader)
	if err != nil {
		return nil, err
	}
	sonames := make([]string, 0, len(libs))
	for _, lib := range libs {
		sonames = append(sonames, lib.info.Soname)
	}
	nested, err := p.scanNested(ctx, sysrootLib, reader)
	if err != nil {
		return nil, err
	}
	sonames = append(sonames, nested...)

	exceptions := make([]soname.Pair, 0, len(cfg.Replacements))
	for _, r := range cfg.Replacements {
		exceptions = append(exceptions, soname.Pair{Original: r.Original, Adjusted: r.Adjusted})
	}
	plan, err := soname.NewPlanner(exceptions).Plan(sonames)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	for _, pair := range plan.PatchOrder() {
		logger.Debug("planned rename", "original", pair.Original, "adjusted", pair.Adjusted)
	}
	logger.Info("computed rename plan", "libraries", len(libs), "renames", plan.Len())

	// Phase 2: patch into the staging tree.
	staged, err := p.stage(sysrootLib, paths.Stage, libs, plan, machine)
	if err != nil {
		return nil, err
	}

	installer := &layout.Installer{
		BuildOnly: cfg.BuildOnly,
		Flatten:   p.flattenDirs(),
		Only:      p.onlyNames(opts.Only, staged),
		Logger:    logger,
	}
	installed, err := installer.Install(paths.Stage, paths.BuildLib, paths.RuntimeLib)
	if err != nil {
		return nil, err
	}

	var assetPaths []string
	if paths.Assets != "" && len(cfg.Assets) > 0 {
		mappings := make([]layout.Mapping, 0, len(cfg.Assets))
		for _, asset := range cfg.Assets {
			if len(opts.Only) > 0 {
				// Partial runs leave assets alone but still verify and
				// record the ones a previous run installed.
				if exists(filepath.Join(paths.Assets, asset.To)) {
					assetPaths = append(assetPaths, asset.To)
				}
				continue
			}
			if !exists(filepath.Join(sysrootLib, asset.From)) {
				logger.Warn("asset source missing", "asset", asset.From)
				continue
			}
			mappings = append(mappings, layout.Mapping{From: asset.From, To: asset.To})
			assetPaths = append(assetPaths, asset.To)
		}
		if len(opts.Only) == 0 {
			if err := layout.CopyMapped(sysrootLib, paths.Assets, mappings, patchFunc(plan, machine)); err != nil {
				return nil, fmt.Errorf("assets: %w", err)
			}
			logger.Info("installed assets", "assets_dir", paths.Assets, "entries", len(mappings))
		}
	}

	// Build-only libraries reach the device through the build-time tree,
	// so both trees make up the on-device set.
	roots := []string{paths.RuntimeLib, paths.BuildLib}
	for _, rel := range assetPaths {
		roots = append(roots, filepath.Join(paths.Assets, rel))
	}
	verifier := &closure.Verifier{
		Reader:     reader,
		BaseNeeded: cfg.BaseNeeded,
		System:     cfg.SystemLibs,
		Logger:     logger,
	}
	report, err := verifier.Verify(ctx, roots...)
	if err != nil {
		return nil, err
	}

	m := &manifest.Manifest{Version: cfg.Version, Arch: string(p.Arch)}
	m.ABI, _ = p.Arch.ABI()
	m.SetPlan(plan)
	scanOpts := manifest.ScanOptions{Reader: reader, Logger: logger}
	if err := m.Scan(ctx, manifest.TreeBuild, paths.BuildLib, scanOpts); err != nil {
		return nil, err
	}
	if err := m.Scan(ctx, manifest.TreeRuntime, paths.RuntimeLib, scanOpts); err != nil {
		return nil, err
	}
	if len(assetPaths) > 0 {
		scanOpts.Paths = assetPaths
		if err := m.Scan(ctx, manifest.TreeAssets, paths.Assets, scanOpts); err != nil {
			return nil, err
		}
	}
	m.Sort()
	if err := m.Write(paths.Manifest); err != nil {
		return nil, err
	}
	logger.Info("wrote manifest", "path", paths.Manifest, "entries", len(m.Entries))

	return &Result{Plan: plan, Layout: installed, Closure: report, Manifest: paths.Manifest}, nil
}

// scanTopLevel reads the *.so entries directly in sysrootLib. Symlinks are
// followed. Each must be built for machine and declare a SONAME.
func (p *Pipeline) scanTopLevel(ctx context.Context, sysrootLib string, machine elf.Machine, reader elfmeta.Reader) ([]scanned, error) {
	entries, err := os.ReadDir(sysrootLib)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	var libs []scanned
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".so") {
			continue
		}
		path := filepath.Join(sysrootLib, entry.Name())
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		if isELF, err := elfmeta.IsELF(path); err != nil {
			return nil, err
		} else if !isELF {
			p.logger().Warn("skipping non-ELF library", "path", path)
			continue
		}
		if err := elfmeta.CheckMachine(path, machine); err != nil {
			return nil, err
		}
		meta, err := reader.Read(ctx, path)
		if err != nil {
			return nil, err
		}
		if !meta.Declared {
			return nil, fmt.Errorf("%w: %s declares no soname", elfmeta.ErrMalformedArtifact, path)
		}
		libs = append(libs, scanned{path: path, name: entry.Name(), info: meta})
	}
	return libs, nil
}

// scanNested returns the declared sonames of libraries below plugin
// directories and assets. Plugins without a SONAME are loaded by path and
// need no rename.
func (p *Pipeline) scanNested(ctx context.Context, sysrootLib string, reader elfmeta.Reader) ([]string, error) {
	var dirs []string
	for _, dir := range p.Config.PluginDirs {
		dirs = append(dirs, dir.Path)
	}
	for _, asset := range p.Config.Assets {
		dirs = append(dirs, asset.From)
	}

	var sonames []string
	for _, dir := range dirs {
		root := filepath.Join(sysrootLib, dir)
		if !exists(root) {
			p.logger().Warn("library directory missing", "dir", dir)
			continue
		}
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() || !strings.HasSuffix(d.Name(), ".so") {
				return nil
			}
			if isELF, err := elfmeta.IsELF(path); err != nil || !isELF {
				return err
			}
			meta, err := reader.Read(ctx, path)
			if err != nil {
				return err
			}
			if meta.Declared {
				sonames = append(sonames, meta.Soname)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", dir, err)
		}
	}
	return sonames, nil
}

// stage recreates stageDir and fills it with the patched libraries. Top-level
// libraries are named by their adjusted SONAME; plugin and data directories
// keep their relative layout. It returns the staged name of each top-level
// sysroot entry.
func (p *Pipeline) stage(sysrootLib, stageDir string, libs []scanned, plan *soname.Plan, machine elf.Machine) (map[string]string, error) {
	logger := p.logger()
	if err := layout.ResetDir(stageDir); err != nil {
		return nil, err
	}

	staged := make(map[string]string, len(libs))
	sources := make(map[string]string, len(libs))
	substitutions := 0
	for _, lib := range libs {
		name := plan.Rename(lib.info.Soname)
		staged[lib.name] = name
		if prev, ok := sources[name]; ok {
			if !sameFile(prev, lib.path) {
				logger.Warn("two libraries share a soname, keeping the first",
					"soname", lib.info.Soname, "kept", prev, "skipped", lib.path)
			}
			continue
		}
		sources[name] = lib.path

		n, err := patch.File(lib.path, filepath.Join(stageDir, name), plan)
		if err != nil {
			return nil, err
		}
		substitutions += n
		logger.Debug("patched library", "source", lib.path, "name", name, "substitutions", n)
	}

	fn := patchFunc(plan, machine)
	for _, dir := range p.Config.PluginDirs {
		src := filepath.Join(sysrootLib, dir.Path)
		if !exists(src) {
			continue
		}
		if err := layout.CopyTree(src, filepath.Join(stageDir, dir.Path), fn); err != nil {
			return nil, fmt.Errorf("stage %s: %w", dir.Path, err)
		}
	}
	for _, dir := range p.Config.DataDirs {
		src := filepath.Join(sysrootLib, dir)
		if !exists(src) {
			logger.Warn("data directory missing", "dir", dir)
			continue
		}
		if err := layout.CopyTree(src, filepath.Join(stageDir, dir), nil); err != nil {
			return nil, fmt.Errorf("stage %s: %w", dir, err)
		}
	}
	for _, alias := range p.Config.Aliases {
		if !exists(filepath.Join(stageDir, alias.Target)) {
			logger.Warn("alias target not staged", "alias", alias.Name, "target", alias.Target)
		}
		link := filepath.Join(stageDir, alias.Name)
		if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("alias %s: %w", alias.Name, err)
		}
		if err := os.Symlink(alias.Target, link); err != nil {
			return nil, fmt.Errorf("alias %s: %w", alias.Name, err)
		}
	}

	logger.Info("staged patched libraries", "stage_dir", stageDir, "libraries", len(sources), "substitutions", substitutions)
	return staged, nil
}

// patchFunc copies a file, patching ELF shared objects with plan on the way.
func patchFunc(plan *soname.Plan, machine elf.Machine) layout.FileFunc {
	return func(src, dst string) error {
		if !strings.HasSuffix(src, ".so") {
			return layout.CopyFile(src, dst)
		}
		isELF, err := elfmeta.IsELF(src)
		if err != nil {
			return err
		}
		if !isELF {
			return layout.CopyFile(src, dst)
		}
		if err := elfmeta.CheckMachine(src, machine); err != nil {
			return err
		}
		_, err = patch.File(src, dst, plan)
		return err
	}
}

func (p *Pipeline) flattenDirs() []string {
	var dirs []string
	for _, dir := range p.Config.PluginDirs {
		if dir.Flatten {
			dirs = append(dirs, dir.Path)
		}
	}
	return dirs
}

// onlyNames maps sysroot file names to their staged names.
func (p *Pipeline) onlyNames(only []string, staged map[string]string) []string {
	if len(only) == 0 {
		return nil
	}
	names := make([]string, 0, len(only))
	for _, name := range only {
		if renamed, ok := staged[name]; ok {
			name = renamed
		}
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	return names
}

func (p *Pipeline) buildDir() string {
	if p.BuildDir != "" {
		return p.BuildDir
	}
	return filepath.Join(p.Root, "build")
}

func (p *Pipeline) reader() elfmeta.Reader {
	if p.Reader != nil {
		return p.Reader
	}
	return NewReader(p.Config)
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func sameFile(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}
