package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/zeebo/blake3"

	"github.com/sliverarmory/sonamer/elfmeta"
	"github.com/sliverarmory/sonamer/internal/elftest"
	"github.com/sliverarmory/sonamer/soname"
)

func fixtureTree(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	elftest.SharedObject{Soname: "libsoup-2.4_1.so", Needed: []string{"libc.so"}}.Write(t, filepath.Join(root, "libsoup-2.4_1.so"))
	if err := os.Symlink("libWPEBackend-android.so", filepath.Join(root, "libWPEBackend-default.so")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "glib-2.0", "schemas"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "glib-2.0", "schemas", "gschemas.compiled"), []byte("schemas"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return root
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	if err := os.WriteFile(path, []byte("libfoo.so.1"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	hash, size, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if size != int64(len("libfoo.so.1")) {
		t.Fatalf("size = %d", size)
	}
	if want := Hash(blake3.Sum256([]byte("libfoo.so.1"))); hash != want {
		t.Fatalf("hash = %s, want %s", FormatHash(hash), FormatHash(want))
	}
}

func TestScanWriteRead(t *testing.T) {
	root := fixtureTree(t)

	plan := soname.NewPlan()
	if err := plan.Add("libsoup-2.4.so.1", "libsoup-2.4_1.so"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	m := &Manifest{Version: "2.34.6", Arch: "arm64", ABI: "arm64-v8a"}
	m.SetPlan(plan)
	if err := m.Scan(context.Background(), TreeRuntime, root, ScanOptions{Reader: elfmeta.NewNative(elfmeta.RequireSoname)}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	m.Sort()

	if len(m.Entries) != 3 {
		t.Fatalf("entries = %+v", m.Entries)
	}
	byPath := make(map[string]Entry)
	for _, entry := range m.Entries {
		byPath[entry.Path] = entry
	}
	if got := byPath["libsoup-2.4_1.so"].Soname; got != "libsoup-2.4_1.so" {
		t.Fatalf("soname = %q", got)
	}
	if got := byPath["libWPEBackend-default.so"]; got.Link != "libWPEBackend-android.so" || got.Digest != "" {
		t.Fatalf("symlink entry = %+v", got)
	}
	if got := byPath["glib-2.0/schemas/gschemas.compiled"]; got.Size != 7 || got.Soname != "" {
		t.Fatalf("data entry = %+v", got)
	}

	path := filepath.Join(t.TempDir(), "build", "manifest-arm64-v8a.yaml")
	if err := m.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}
	back, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if back.ABI != "arm64-v8a" || len(back.Renames) != 1 || back.Renames[0].Adjusted != "libsoup-2.4_1.so" {
		t.Fatalf("read back = %+v", back)
	}
	if len(back.Entries) != len(m.Entries) {
		t.Fatalf("read back %d entries, want %d", len(back.Entries), len(m.Entries))
	}
}

func TestCheck(t *testing.T) {
	root := fixtureTree(t)

	m := &Manifest{}
	if err := m.Scan(context.Background(), TreeBuild, root, ScanOptions{}); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	drift, err := m.Check(map[string]string{TreeBuild: root})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(drift) != 0 {
		t.Fatalf("fresh tree drifted: %+v", drift)
	}

	if err := os.WriteFile(filepath.Join(root, "glib-2.0", "schemas", "gschemas.compiled"), []byte("SCHEMAS"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Remove(filepath.Join(root, "libWPEBackend-default.so")); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	drift, err = m.Check(map[string]string{TreeBuild: root})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	reasons := make(map[string]string)
	for _, d := range drift {
		reasons[d.Entry.Path] = d.Reason
	}
	if reasons["glib-2.0/schemas/gschemas.compiled"] != "content changed" {
		t.Fatalf("drift = %+v", drift)
	}
	if reasons["libWPEBackend-default.so"] != "missing" {
		t.Fatalf("drift = %+v", drift)
	}

	drift, err = m.Check(map[string]string{TreeRuntime: root})
	if err != nil || len(drift) != 0 {
		t.Fatalf("Check on other tree = %+v, %v", drift, err)
	}
}

func TestScanPaths(t *testing.T) {
	root := fixtureTree(t)
	if err := os.WriteFile(filepath.Join(root, "unrelated.txt"), []byte("app asset"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m := &Manifest{}
	err := m.Scan(context.Background(), TreeAssets, root, ScanOptions{Paths: []string{"glib-2.0", "libsoup-2.4_1.so"}})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	m.Sort()

	var paths []string
	for _, entry := range m.Entries {
		paths = append(paths, entry.Path)
	}
	want := []string{"glib-2.0/schemas/gschemas.compiled", "libsoup-2.4_1.so"}
	if len(paths) != len(want) || paths[0] != want[0] || paths[1] != want[1] {
		t.Fatalf("paths = %q, want %q", paths, want)
	}
}
