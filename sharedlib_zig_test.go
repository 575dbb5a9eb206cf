package sonamer_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/sliverarmory/sonamer"
	"github.com/sliverarmory/sonamer/config"
)

type crossTarget struct {
	arch      config.Arch
	zigTarget string
}

var crossTargets = []crossTarget{
	{arch: config.ARM64, zigTarget: "aarch64-linux-gnu"},
	{arch: config.ARMv7, zigTarget: "arm-linux-gnueabihf"},
	{arch: config.X86, zigTarget: "x86-linux-gnu"},
	{arch: config.X86_64, zigTarget: "x86_64-linux-gnu"},
}

func TestInstallCrossCompiledMatrix(t *testing.T) {
	requireCommand(t, "zig")
	requireCommand(t, "readelf")

	for _, target := range crossTargets {
		t.Run(string(target.arch), func(t *testing.T) {
			sysroot := buildCrossSysroot(t, target.zigTarget)

			cfg := config.Default()
			cfg.Headers = nil
			p := &sonamer.Pipeline{Config: cfg, Arch: target.arch, Root: t.TempDir()}

			result, err := p.Install(context.Background(), sysroot, sonamer.InstallOptions{})
			if err != nil {
				t.Fatalf("Install: %v", err)
			}
			paths, err := p.Paths()
			if err != nil {
				t.Fatalf("Paths: %v", err)
			}

			libb := runCmd(t, "readelf", "-d", filepath.Join(paths.RuntimeLib, "libb_2.so"))
			for _, want := range []string{"Library soname: [libb_2.so]", "Shared library: [liba_1.so]"} {
				if !strings.Contains(libb, want) {
					t.Fatalf("libb_2.so dynamic section lacks %q:\n%s", want, libb)
				}
			}
			if strings.Contains(libb, "liba.so.1") {
				t.Fatalf("libb_2.so still references liba.so.1:\n%s", libb)
			}

			plugin := runCmd(t, "readelf", "-d", filepath.Join(paths.RuntimeLib, "libplugin.so"))
			if !strings.Contains(plugin, "Shared library: [libb_2.so]") {
				t.Fatalf("flattened plugin not patched:\n%s", plugin)
			}

			original, err := os.Stat(filepath.Join(sysroot, "lib", "libb.so"))
			if err != nil {
				t.Fatalf("stat: %v", err)
			}
			patched, err := os.Stat(filepath.Join(paths.RuntimeLib, "libb_2.so"))
			if err != nil {
				t.Fatalf("stat: %v", err)
			}
			if original.Size() != patched.Size() {
				t.Fatalf("patching changed size: %d -> %d", original.Size(), patched.Size())
			}

			for _, name := range []string{"liba_1.so", "libb_2.so"} {
				if slices.Contains(result.Closure.Unresolved, name) {
					t.Fatalf("%s reported unresolved: %q", name, result.Closure.Unresolved)
				}
			}
		})
	}
}

// buildCrossSysroot compiles testdata/c into <sysroot>/lib for zigTarget:
// liba.so (soname liba.so.1), libb.so (soname libb.so.2, needs liba) and a
// soname-less plugin below wpe-webkit-1.0 that needs libb.
func buildCrossSysroot(t *testing.T, zigTarget string) string {
	t.Helper()

	sysroot := t.TempDir()
	lib := filepath.Join(sysroot, "lib")
	pluginDir := filepath.Join(lib, "wpe-webkit-1.0", "injected-bundle")
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	liba := filepath.Join(lib, "liba.so")
	libb := filepath.Join(lib, "libb.so")
	zigShared(t, zigTarget, liba, "liba.so.1", "./testdata/c/liba.c")
	zigShared(t, zigTarget, libb, "libb.so.2", "./testdata/c/libb.c", liba)
	zigShared(t, zigTarget, filepath.Join(pluginDir, "libplugin.so"), "", "./testdata/c/plugin.c", libb)
	return sysroot
}

func zigShared(t *testing.T, zigTarget, output, soname string, inputs ...string) {
	t.Helper()

	args := []string{"cc", "-target", zigTarget, "-shared", "-fPIC", "-nostdlib", "-o", output}
	if soname != "" {
		args = append(args, "-Wl,-soname,"+soname)
	}
	args = append(args, inputs...)

	cache := filepath.Join(os.TempDir(), "sonamer-zig-cache")
	cmd := exec.Command("zig", args...)
	cmd.Env = overrideEnv(os.Environ(), map[string]string{
		"ZIG_GLOBAL_CACHE_DIR": cache,
		"ZIG_LOCAL_CACHE_DIR":  cache,
	})
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build %s for %s: %v\n%s", filepath.Base(output), zigTarget, err, out)
	}
}

func runCmd(t *testing.T, name string, args ...string) string {
	t.Helper()

	cmd := exec.Command(name, args...)
	cmd.Env = overrideEnv(os.Environ(), map[string]string{"LC_ALL": "C"})
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %s failed: %v\n%s", name, strings.Join(args, " "), err, output)
	}
	return string(output)
}

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not found in PATH", name)
	}
}

func overrideEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		if _, drop := overrides[key]; drop {
			continue
		}
		out = append(out, kv)
	}
	for key, value := range overrides {
		out = append(out, fmt.Sprintf("%s=%s", key, value))
	}
	return out
}
