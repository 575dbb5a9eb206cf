// Package closure checks that an installed library set is self-contained:
// every NEEDED entry should be provided by some library in the set or by
// the device image. The check is diagnostic only and never fails a run.
package closure

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sliverarmory/sonamer/elfmeta"
)

// Verifier recomputes the provided and needed sets of library trees.
type Verifier struct {
	Reader elfmeta.Reader

	// BaseNeeded seeds the needed set with names that must be present even
	// though no single library lists them.
	BaseNeeded []string

	// System names libraries the device image provides.
	System []string

	Logger *slog.Logger
}

// Report is the outcome of a closure check. All lists are sorted.
type Report struct {
	// Unresolved are NEEDED but not provided.
	Unresolved []string
	// Unused are provided but not NEEDED.
	Unused []string
	// System are NEEDED and satisfied by the device image.
	System []string
	// Unreadable are *.so files whose metadata could not be read.
	Unreadable []string

	Provided int
	Needed   int
}

// Clean reports whether every NEEDED entry resolves.
func (r *Report) Clean() bool {
	return len(r.Unresolved) == 0 && len(r.Unreadable) == 0
}

// Section is one titled list of a report.
type Section struct {
	Title   string
	Entries []string
}

// Sections returns the report in display order.
func (r *Report) Sections() []Section {
	sections := []Section{
		{Title: "NEEDED but not provided", Entries: r.Unresolved},
		{Title: "Provided but not NEEDED", Entries: r.Unused},
	}
	if len(r.Unreadable) > 0 {
		sections = append(sections, Section{Title: "Unreadable", Entries: r.Unreadable})
	}
	return sections
}

// WriteTo writes the plain-text operator report.
func (r *Report) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	for _, section := range r.Sections() {
		fmt.Fprintf(&b, "%s:\n", section.Title)
		if len(section.Entries) == 0 {
			b.WriteString("    <none>\n")
			continue
		}
		for _, entry := range section.Entries {
			fmt.Fprintf(&b, "    %s\n", entry)
		}
	}
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// Verify walks roots recursively and reads every *.so file. Symlinks are
// skipped since their targets are read on their own.
func (v *Verifier) Verify(ctx context.Context, roots ...string) (*Report, error) {
	logger := v.Logger
	if logger == nil {
		logger = slog.Default()
	}

	provided := make(map[string]struct{})
	needed := make(map[string]struct{})
	for _, name := range v.BaseNeeded {
		needed[name] = struct{}{}
	}
	report := &Report{}

	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if !d.Type().IsRegular() || !strings.HasSuffix(d.Name(), ".so") {
				return nil
			}

			info, err := v.Reader.Read(ctx, path)
			if err != nil {
				logger.Warn("cannot read library metadata", "path", path, "error", err)
				report.Unreadable = append(report.Unreadable, path)
				return nil
			}
			provided[info.Soname] = struct{}{}
			for _, name := range info.Needed {
				needed[name] = struct{}{}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}

	for name := range needed {
		if _, ok := provided[name]; ok {
			continue
		}
		if slices.Contains(v.System, name) {
			report.System = append(report.System, name)
			continue
		}
		report.Unresolved = append(report.Unresolved, name)
	}
	for name := range provided {
		if _, ok := needed[name]; !ok {
			report.Unused = append(report.Unused, name)
		}
	}
	slices.Sort(report.Unresolved)
	slices.Sort(report.Unused)
	slices.Sort(report.System)
	slices.Sort(report.Unreadable)
	report.Provided = len(provided)
	report.Needed = len(needed)

	logger.Info("verified dependency closure",
		"provided", report.Provided,
		"needed", report.Needed,
		"unresolved", len(report.Unresolved),
		"unused", len(report.Unused),
	)
	return report, nil
}
