package sonamer

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sliverarmory/sonamer/archive"
	"github.com/sliverarmory/sonamer/fetch"
	"github.com/sliverarmory/sonamer/layout"
	"github.com/sliverarmory/sonamer/toolchain"
)

// Source selects where the toolchain archives come from.
type Source int

const (
	// SourcePrebuilt downloads the published archives.
	SourcePrebuilt Source = iota
	// SourceCheckout copies them from a Cerbero checkout that already
	// finished packaging.
	SourceCheckout
	// SourceBuild clones or updates Cerbero and packages from source.
	SourceBuild
)

func (s Source) String() string {
	switch s {
	case SourcePrebuilt:
		return "prebuilt"
	case SourceCheckout:
		return "checkout"
	case SourceBuild:
		return "build"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// BootstrapOptions tunes Bootstrap.
type BootstrapOptions struct {
	Source Source
	// Checkout is the Cerbero directory read by SourceCheckout.
	Checkout string
	// Debug builds unstripped libraries with logging enabled. Only
	// meaningful with SourceBuild.
	Debug bool

	// Fetcher and Cerbero default to instances built from the
	// configuration.
	Fetcher *fetch.Fetcher
	Cerbero *toolchain.Cerbero
}

// Bootstrap acquires the toolchain archives, extracts them into a fresh
// <BuildDir>/sysroot and installs it.
func (p *Pipeline) Bootstrap(ctx context.Context, opts BootstrapOptions) (*Result, error) {
	if _, err := p.Arch.ABI(); err != nil {
		return nil, err
	}
	logger := p.logger()
	cfg := p.Config
	buildDir := p.buildDir()
	devel := cfg.DevelArchive(p.Arch)
	runtime := cfg.RuntimeArchive(p.Arch)

	logger.Info("acquiring archives", "source", opts.Source, "arch", p.Arch, "version", cfg.Version)
	switch opts.Source {
	case SourcePrebuilt:
		fetcher := opts.Fetcher
		if fetcher == nil {
			fetcher = &fetch.Fetcher{URLTemplate: cfg.URLTemplate, Logger: logger}
		}
		for _, name := range []string{devel, runtime} {
			if _, err := fetcher.Fetch(ctx, cfg.Version, name, buildDir); err != nil {
				return nil, err
			}
		}

	case SourceCheckout:
		if opts.Checkout == "" {
			return nil, fmt.Errorf("bootstrap: checkout source needs a cerbero directory")
		}
		logger.Info("copying archives from cerbero checkout", "checkout", opts.Checkout)
		if _, err := toolchain.CopyProducts(opts.Checkout, buildDir, devel, runtime); err != nil {
			return nil, err
		}

	case SourceBuild:
		cerbero := opts.Cerbero
		if cerbero == nil {
			cerbero = &toolchain.Cerbero{
				Origin:  cfg.Cerbero.Origin,
				Branch:  cfg.Cerbero.Branch,
				Package: cfg.Cerbero.Package,
				Logger:  logger,
			}
		}
		cerbero.BuildDir = buildDir
		cerbero.Arch = p.Arch
		cerbero.Debug = opts.Debug
		if err := cerbero.Ensure(ctx); err != nil {
			return nil, err
		}
		if err := cerbero.Build(ctx); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("bootstrap: unknown source %s", opts.Source)
	}

	sysroot := filepath.Join(buildDir, "sysroot")
	if err := layout.ResetDir(sysroot); err != nil {
		return nil, err
	}
	if err := archive.Extract(ctx, filepath.Join(buildDir, devel), sysroot, cfg.Archives.DevelMembers...); err != nil {
		return nil, err
	}
	if err := archive.Extract(ctx, filepath.Join(buildDir, runtime), sysroot, cfg.Archives.RuntimeMembers...); err != nil {
		return nil, err
	}
	logger.Info("extracted sysroot", "sysroot", sysroot)

	return p.Install(ctx, sysroot, InstallOptions{})
}
