// Package manifest records what an install run produced: the rename plan
// and every installed artifact with its size and BLAKE3 digest. A later
// run, or an operator, can compare the trees against it to detect drift.
package manifest

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/sliverarmory/sonamer/elfmeta"
	"github.com/sliverarmory/sonamer/patch"
	"github.com/sliverarmory/sonamer/soname"
)

// Tree names used in entries.
const (
	TreeBuild   = "build"
	TreeRuntime = "runtime"
	TreeAssets  = "assets"
)

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

// FormatHash returns the hex encoding used in manifests.
func FormatHash(hash Hash) string {
	return hex.EncodeToString(hash[:])
}

// HashFile streams path through BLAKE3.
func HashFile(path string) (Hash, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return Hash{}, 0, err
	}
	defer file.Close()

	hasher := blake3.New()
	n, err := io.Copy(hasher, file)
	if err != nil {
		return Hash{}, 0, fmt.Errorf("hash %s: %w", path, err)
	}
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash, n, nil
}

// Rename is one applied soname rename.
type Rename struct {
	Original string `yaml:"original"`
	Adjusted string `yaml:"adjusted"`
}

// Entry is one installed file or symlink.
type Entry struct {
	Tree string `yaml:"tree"`
	// Path is relative to the tree root, slash separated.
	Path   string `yaml:"path"`
	Soname string `yaml:"soname,omitempty"`
	// Link is the target of a symlink; symlinks carry no size or digest.
	Link   string `yaml:"link,omitempty"`
	Size   int64  `yaml:"size,omitempty"`
	Digest string `yaml:"blake3,omitempty"`
}

// Manifest describes one install run for one ABI.
type Manifest struct {
	Version string   `yaml:"version"`
	Arch    string   `yaml:"arch"`
	ABI     string   `yaml:"abi"`
	Renames []Rename `yaml:"renames"`
	Entries []Entry  `yaml:"entries"`
}

// SetPlan records plan's renames in patch order.
func (m *Manifest) SetPlan(plan *soname.Plan) {
	m.Renames = m.Renames[:0]
	for _, pair := range plan.PatchOrder() {
		m.Renames = append(m.Renames, Rename{Original: pair.Original, Adjusted: pair.Adjusted})
	}
}

// ScanOptions tunes Manifest.Scan.
type ScanOptions struct {
	// Reader, when set, fills in the SONAME of *.so files. Unreadable
	// libraries are recorded without one.
	Reader elfmeta.Reader

	// Paths restricts the scan to these root-relative files or
	// directories. Empty means the whole root.
	Paths []string

	Logger *slog.Logger
}

// Scan appends an entry for every regular file and symlink below root to m
// under tree. Entry paths are relative to root.
func (m *Manifest) Scan(ctx context.Context, tree, root string, opts ScanOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	paths := opts.Paths
	if len(paths) == 0 {
		paths = []string{"."}
	}

	for _, start := range paths {
		err := filepath.WalkDir(filepath.Join(root, start), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			entry := Entry{Tree: tree, Path: filepath.ToSlash(rel)}

			if d.Type()&fs.ModeSymlink != 0 {
				target, err := os.Readlink(path)
				if err != nil {
					return err
				}
				entry.Link = target
				m.Entries = append(m.Entries, entry)
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}

			hash, size, err := HashFile(path)
			if err != nil {
				return err
			}
			entry.Size = size
			entry.Digest = FormatHash(hash)
			if opts.Reader != nil && strings.HasSuffix(d.Name(), ".so") {
				info, err := opts.Reader.Read(ctx, path)
				if err != nil {
					logger.Debug("manifest entry without soname", "path", path, "error", err)
				} else {
					entry.Soname = info.Soname
				}
			}
			m.Entries = append(m.Entries, entry)
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan %s: %w", filepath.Join(root, start), err)
		}
	}
	return nil
}

// Sort orders entries by tree then path.
func (m *Manifest) Sort() {
	slices.SortFunc(m.Entries, func(a, b Entry) int {
		if c := strings.Compare(a.Tree, b.Tree); c != 0 {
			return c
		}
		return strings.Compare(a.Path, b.Path)
	})
}

// Write stores the manifest at path, replacing any previous one atomically.
func (m *Manifest) Write(path string) error {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(m); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	return patch.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

// Read loads a manifest written by Write.
func Read(path string) (*Manifest, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	m := &Manifest{}
	if err := decoder.Decode(m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return m, nil
}

// Drift is an entry whose installed state no longer matches the manifest.
type Drift struct {
	Entry  Entry
	Reason string
}

// Check compares the manifest against the trees named in roots, keyed by
// tree name. Entries of trees missing from roots are skipped.
func (m *Manifest) Check(roots map[string]string) ([]Drift, error) {
	var drift []Drift
	for _, entry := range m.Entries {
		root, ok := roots[entry.Tree]
		if !ok {
			continue
		}
		path := filepath.Join(root, filepath.FromSlash(entry.Path))

		if entry.Link != "" {
			target, err := os.Readlink(path)
			switch {
			case errors.Is(err, fs.ErrNotExist):
				drift = append(drift, Drift{Entry: entry, Reason: "missing"})
			case err != nil:
				drift = append(drift, Drift{Entry: entry, Reason: "not a symlink"})
			case target != entry.Link:
				drift = append(drift, Drift{Entry: entry, Reason: "link target " + target})
			}
			continue
		}

		hash, size, err := HashFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			drift = append(drift, Drift{Entry: entry, Reason: "missing"})
		case err != nil:
			return nil, err
		case size != entry.Size:
			drift = append(drift, Drift{Entry: entry, Reason: fmt.Sprintf("size %d", size)})
		case FormatHash(hash) != entry.Digest:
			drift = append(drift, Drift{Entry: entry, Reason: "content changed"})
		}
	}
	return drift, nil
}
