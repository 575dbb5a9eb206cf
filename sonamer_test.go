package sonamer

import (
	"context"
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/sliverarmory/sonamer/config"
	"github.com/sliverarmory/sonamer/elfmeta"
	"github.com/sliverarmory/sonamer/internal/elftest"
	"github.com/sliverarmory/sonamer/manifest"
	"github.com/sliverarmory/sonamer/soname"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Reader = config.ReaderNative
	cfg.Headers = []config.HeaderPackage{{From: "wpe-1.0", To: "wpe"}}
	return cfg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

// buildSysroot lays out a small extracted sysroot resembling the packaged
// WPE WebKit runtime.
func buildSysroot(t *testing.T) string {
	t.Helper()

	sysroot := t.TempDir()
	lib := filepath.Join(sysroot, "lib")
	writeFile(t, filepath.Join(sysroot, "include", "wpe-1.0", "wpe", "wpe.h"), "#pragma once\n")

	libs := map[string]elftest.SharedObject{
		"liba.so":                  {Soname: "liba.so.1", Needed: []string{"libc.so"}},
		"libb.so":                  {Soname: "libb.so", Needed: []string{"liba.so.1", "libnettle.so.6"}, Extra: []string{"built against liba.so.1"}},
		"libnettle.so":             {Soname: "libnettle.so.6"},
		"libglib-2.0.so":           {Soname: "libglib-2.0.so", Needed: []string{"libc.so"}},
		"libWPEWebKit-1.0.so":      {Soname: "libWPEWebKit-1.0.so.3", Needed: []string{"libglib-2.0.so"}},
		"libWPEBackend-android.so": {Soname: "libWPEBackend-android.so", Needed: []string{"libWPEWebKit-1.0.so.3"}},
	}
	for name, so := range libs {
		so.Write(t, filepath.Join(lib, name))
	}
	elftest.SharedObject{Needed: []string{"libWPEWebKit-1.0.so.3"}}.Write(t,
		filepath.Join(lib, "wpe-webkit-1.0", "injected-bundle", "libWPEInjectedBundle.so"))
	elftest.SharedObject{Needed: []string{"libglib-2.0.so", "liba.so.1"}}.Write(t,
		filepath.Join(lib, "gstreamer-1.0", "libgstcoreelements.so"))
	writeFile(t, filepath.Join(lib, "glib-2.0", "include", "glibconfig.h"), "#define G 1\n")
	return sysroot
}

func newPipeline(t *testing.T) *Pipeline {
	t.Helper()
	return &Pipeline{
		Config: testConfig(),
		Arch:   config.ARM64,
		Root:   t.TempDir(),
	}
}

func readInfo(t *testing.T, path string) elfmeta.Info {
	t.Helper()
	info, err := elfmeta.NewNative(elfmeta.BasenameFallback).Read(context.Background(), path)
	if err != nil {
		t.Fatalf("Read(%s): %v", path, err)
	}
	return info
}

func TestInstall(t *testing.T) {
	sysroot := buildSysroot(t)
	p := newPipeline(t)

	result, err := p.Install(context.Background(), sysroot, InstallOptions{})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	paths, err := p.Paths()
	if err != nil {
		t.Fatalf("Paths: %v", err)
	}
	if filepath.Base(paths.BuildLib) != "arm64-v8a" || filepath.Base(paths.RuntimeLib) != "arm64-v8a" {
		t.Fatalf("paths = %+v", paths)
	}

	for _, rel := range []string{
		"liba_1.so",
		"libb.so",
		"libnettle_6.so",
		"libglib-2.0.so",
		"libWPEWebKit-1.0_3.so",
		"wpe-webkit-1.0/injected-bundle/libWPEInjectedBundle.so",
		"glib-2.0/include/glibconfig.h",
	} {
		if _, err := os.Stat(filepath.Join(paths.BuildLib, rel)); err != nil {
			t.Fatalf("build tree missing %s: %v", rel, err)
		}
	}
	target, err := os.Readlink(filepath.Join(paths.BuildLib, "libWPEBackend-default.so"))
	if err != nil || target != "libWPEBackend-android.so" {
		t.Fatalf("alias = %q, %v", target, err)
	}

	for _, rel := range []string{"liba_1.so", "libb.so", "libWPEBackend-android.so", "libWPEInjectedBundle.so"} {
		if _, err := os.Stat(filepath.Join(paths.RuntimeLib, rel)); err != nil {
			t.Fatalf("run-time tree missing %s: %v", rel, err)
		}
	}
	for _, rel := range []string{"libglib-2.0.so", "libWPEWebKit-1.0_3.so", "glib-2.0", "wpe-webkit-1.0", "libWPEBackend-default.so"} {
		if _, err := os.Lstat(filepath.Join(paths.RuntimeLib, rel)); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("run-time tree has %s: %v", rel, err)
		}
	}

	libb := readInfo(t, filepath.Join(paths.RuntimeLib, "libb.so"))
	if want := []string{"liba_1.so", "libnettle_6.so"}; !slices.Equal(libb.Needed, want) {
		t.Fatalf("libb NEEDED = %q, want %q", libb.Needed, want)
	}
	if got := readInfo(t, filepath.Join(paths.RuntimeLib, "liba_1.so")).Soname; got != "liba_1.so" {
		t.Fatalf("liba SONAME = %q", got)
	}
	bundle := readInfo(t, filepath.Join(paths.RuntimeLib, "libWPEInjectedBundle.so"))
	if want := []string{"libWPEWebKit-1.0_3.so"}; !slices.Equal(bundle.Needed, want) {
		t.Fatalf("injected bundle NEEDED = %q, want %q", bundle.Needed, want)
	}

	original, err := os.Stat(filepath.Join(sysroot, "lib", "libb.so"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	patched, err := os.Stat(filepath.Join(paths.RuntimeLib, "libb.so"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if original.Size() != patched.Size() {
		t.Fatalf("patched size %d, original %d", patched.Size(), original.Size())
	}

	asset := filepath.Join(paths.Assets, "gstreamer-1.0", "libgstcoreelements.so")
	if got := readInfo(t, asset).Needed; !slices.Equal(got, []string{"libglib-2.0.so", "liba_1.so"}) {
		t.Fatalf("asset NEEDED = %q", got)
	}
	if _, err := os.Stat(filepath.Join(paths.Include, "wpe", "wpe", "wpe.h")); err != nil {
		t.Fatalf("header: %v", err)
	}

	if len(result.Closure.Unresolved) != 0 {
		t.Fatalf("unresolved = %q", result.Closure.Unresolved)
	}
	if !slices.Contains(result.Closure.System, "libc.so") {
		t.Fatalf("system = %q", result.Closure.System)
	}
	if !slices.Contains(result.Closure.Unused, "libb.so") {
		t.Fatalf("unused = %q", result.Closure.Unused)
	}
	if adjusted, ok := result.Plan.Lookup("libnettle.so.6"); !ok || adjusted != "libnettle_6.so" {
		t.Fatalf("plan nettle = %q, %v", adjusted, ok)
	}

	m, err := manifest.Read(result.Manifest)
	if err != nil {
		t.Fatalf("manifest.Read: %v", err)
	}
	if m.ABI != "arm64-v8a" || m.Version != "2.34.6" {
		t.Fatalf("manifest header = %+v", m)
	}
	drift, err := m.Check(map[string]string{
		manifest.TreeBuild:   paths.BuildLib,
		manifest.TreeRuntime: paths.RuntimeLib,
		manifest.TreeAssets:  paths.Assets,
	})
	if err != nil || len(drift) != 0 {
		t.Fatalf("drift after install = %+v, %v", drift, err)
	}
}

func TestInstallRecreatesDestinations(t *testing.T) {
	sysroot := buildSysroot(t)
	p := newPipeline(t)

	if _, err := p.Install(context.Background(), sysroot, InstallOptions{}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	paths, _ := p.Paths()
	stale := filepath.Join(paths.RuntimeLib, "libstale.so")
	writeFile(t, stale, "old")

	if _, err := p.Install(context.Background(), sysroot, InstallOptions{}); err != nil {
		t.Fatalf("second Install: %v", err)
	}
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stale file survived a rerun: %v", err)
	}
}

func TestInstallOnly(t *testing.T) {
	sysroot := buildSysroot(t)
	p := newPipeline(t)

	if _, err := p.Install(context.Background(), sysroot, InstallOptions{}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	paths, _ := p.Paths()
	marker := filepath.Join(paths.RuntimeLib, "libkeep.so")
	writeFile(t, marker, "keep")
	if err := os.Remove(filepath.Join(paths.RuntimeLib, "liba_1.so")); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	result, err := p.Install(context.Background(), sysroot, InstallOptions{Only: []string{"liba.so"}})
	if err != nil {
		t.Fatalf("partial Install: %v", err)
	}
	if _, err := os.Stat(filepath.Join(paths.RuntimeLib, "liba_1.so")); err != nil {
		t.Fatalf("liba_1.so not reinstalled: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("partial install removed unrelated entry: %v", err)
	}

	m, err := manifest.Read(result.Manifest)
	if err != nil {
		t.Fatalf("manifest.Read: %v", err)
	}
	const asset = "gstreamer-1.0/libgstcoreelements.so"
	if !slices.ContainsFunc(m.Entries, func(e manifest.Entry) bool {
		return e.Tree == manifest.TreeAssets && e.Path == asset
	}) {
		t.Fatalf("partial install dropped %s from the manifest: %+v", asset, m.Entries)
	}
	if !slices.Contains(result.Closure.Unused, "libgstcoreelements.so") {
		t.Fatalf("partial install skipped asset roots in the closure: %+v", result.Closure)
	}
}

func TestInstallRejectsForeignMachine(t *testing.T) {
	sysroot := buildSysroot(t)
	elftest.SharedObject{Machine: elf.EM_X86_64, Soname: "libhost.so"}.Write(t, filepath.Join(sysroot, "lib", "libhost.so"))

	_, err := newPipeline(t).Install(context.Background(), sysroot, InstallOptions{})
	if !errors.Is(err, elfmeta.ErrForeignMachine) {
		t.Fatalf("Install = %v, want ErrForeignMachine", err)
	}
}

func TestInstallRejectsMissingSoname(t *testing.T) {
	sysroot := buildSysroot(t)
	elftest.SharedObject{}.Write(t, filepath.Join(sysroot, "lib", "libanon.so"))

	_, err := newPipeline(t).Install(context.Background(), sysroot, InstallOptions{})
	if !errors.Is(err, elfmeta.ErrMalformedArtifact) {
		t.Fatalf("Install = %v, want ErrMalformedArtifact", err)
	}
}

func TestInstallRejectsInvalidSoname(t *testing.T) {
	sysroot := buildSysroot(t)
	elftest.SharedObject{Soname: "libweird"}.Write(t, filepath.Join(sysroot, "lib", "libweird.so"))

	p := newPipeline(t)
	_, err := p.Install(context.Background(), sysroot, InstallOptions{})
	if !errors.Is(err, soname.ErrInvalidSoname) {
		t.Fatalf("Install = %v, want ErrInvalidSoname", err)
	}
	paths, _ := p.Paths()
	if _, err := os.Stat(paths.RuntimeLib); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("run-time tree touched before the plan was valid: %v", err)
	}
}

func TestInstallUnsupportedArch(t *testing.T) {
	p := newPipeline(t)
	p.Arch = config.Arch("mips")

	_, err := p.Install(context.Background(), buildSysroot(t), InstallOptions{})
	if !errors.Is(err, config.ErrUnsupportedArch) {
		t.Fatalf("Install = %v, want ErrUnsupportedArch", err)
	}
}
