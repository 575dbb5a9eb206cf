package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/sonamer"
	"github.com/sliverarmory/sonamer/closure"
	"github.com/sliverarmory/sonamer/config"
	"github.com/sliverarmory/sonamer/fetch"
	"github.com/sliverarmory/sonamer/manifest"
	"github.com/sliverarmory/sonamer/soname"
)

type pipelineFlags struct {
	arch config.Arch
	root string
}

func (f *pipelineFlags) register(cmd *cobra.Command) {
	f.arch = config.ARM64
	cmd.Flags().VarP(&f.arch, "arch", "a", "Target architecture ("+archNames()+")")
	cmd.Flags().StringVar(&f.root, "root", ".", "Android project root")
}

func (f *pipelineFlags) pipeline(opts *globalOptions, cmd *cobra.Command) (*sonamer.Pipeline, error) {
	cfg, logger, err := opts.load(cmd)
	if err != nil {
		return nil, err
	}
	root, err := filepath.Abs(f.root)
	if err != nil {
		return nil, err
	}
	return &sonamer.Pipeline{
		Config: cfg,
		Arch:   f.arch,
		Root:   root,
		Logger: logger.With("arch", string(f.arch)),
	}, nil
}

func archNames() string {
	names := make([]string, 0, len(config.Archs()))
	for _, arch := range config.Archs() {
		names = append(names, string(arch))
	}
	return strings.Join(names, ", ")
}

func newBootstrapCmd(opts *globalOptions) *cobra.Command {
	var (
		flags    pipelineFlags
		build    bool
		checkout string
		debug    bool
	)
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Fetch or build the toolchain archives, extract them and install the libraries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug && !build {
				return fmt.Errorf("--debug requires --build")
			}
			p, err := flags.pipeline(opts, cmd)
			if err != nil {
				return err
			}

			bootstrap := sonamer.BootstrapOptions{Source: sonamer.SourcePrebuilt, Debug: debug}
			switch {
			case checkout != "":
				bootstrap.Source = sonamer.SourceCheckout
				bootstrap.Checkout = checkout
			case build:
				bootstrap.Source = sonamer.SourceBuild
			default:
				bootstrap.Fetcher = &fetch.Fetcher{
					URLTemplate: p.Config.URLTemplate,
					Progress:    fetch.TerminalProgress(os.Stderr),
					Logger:      p.Logger,
				}
			}

			result, err := p.Bootstrap(cmd.Context(), bootstrap)
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), result.Closure)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVarP(&build, "build", "b", false, "Build the archives with Cerbero instead of fetching prebuilt ones")
	cmd.Flags().StringVarP(&checkout, "cerbero", "c", "", "Cerbero checkout containing a completed build")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Build the libraries with debug symbols")
	cmd.MarkFlagsMutuallyExclusive("build", "cerbero")
	return cmd
}

func newInstallCmd(opts *globalOptions) *cobra.Command {
	var (
		flags   pipelineFlags
		sysroot string
		only    []string
	)
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Rename, patch and install the libraries of an extracted sysroot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := flags.pipeline(opts, cmd)
			if err != nil {
				return err
			}
			if sysroot == "" {
				sysroot = filepath.Join(p.Root, "build", "sysroot")
			}
			result, err := p.Install(cmd.Context(), sysroot, sonamer.InstallOptions{Only: only})
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), result.Closure)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&sysroot, "sysroot", "", "Extracted sysroot (default <root>/build/sysroot)")
	cmd.Flags().StringSliceVar(&only, "only", nil, "Install only these entries of <sysroot>/lib")
	return cmd
}

func newInspectCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect LIBRARY...",
		Short: "Print the SONAME and NEEDED entries of shared objects",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			reader := sonamer.NewReader(cfg)
			out := cmd.OutOrStdout()
			for _, path := range args {
				info, err := reader.Read(cmd.Context(), path)
				if err != nil {
					return err
				}
				name := info.Soname
				if !info.Declared {
					name += " (from file name)"
				}
				fmt.Fprintf(out, "%s\n  SONAME: %s\n", path, name)
				for _, needed := range info.Needed {
					fmt.Fprintf(out, "  NEEDED: %s\n", needed)
				}
			}
			return nil
		},
	}
}

func newAdjustCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "adjust SONAME...",
		Short: "Print the Android-safe name of sonames",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			exceptions := make([]soname.Pair, 0, len(cfg.Replacements))
			for _, r := range cfg.Replacements {
				exceptions = append(exceptions, soname.Pair{Original: r.Original, Adjusted: r.Adjusted})
			}
			plan, err := soname.NewPlanner(exceptions).Plan(args)
			if err != nil {
				return err
			}
			for _, name := range args {
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", name, plan.Rename(name))
			}
			return nil
		},
	}
}

func newVerifyCmd(opts *globalOptions) *cobra.Command {
	var (
		manifestPath string
		root         string
	)
	cmd := &cobra.Command{
		Use:   "verify [DIR...]",
		Short: "Report NEEDED entries not provided by the libraries below DIR, or drift from an install manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && manifestPath == "" {
				return fmt.Errorf("verify needs a directory or --manifest")
			}
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}

			if len(args) > 0 {
				verifier := &closure.Verifier{
					Reader:     sonamer.NewReader(cfg),
					BaseNeeded: cfg.BaseNeeded,
					System:     cfg.SystemLibs,
					Logger:     logger,
				}
				report, err := verifier.Verify(cmd.Context(), args...)
				if err != nil {
					return err
				}
				if err := writeReport(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			}

			if manifestPath != "" {
				return checkManifest(cmd, cfg, manifestPath, root)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "Install manifest to compare the project trees against")
	cmd.Flags().StringVar(&root, "root", ".", "Android project root the manifest describes")
	return cmd
}

func checkManifest(cmd *cobra.Command, cfg *config.Config, path, root string) error {
	m, err := manifest.Read(path)
	if err != nil {
		return err
	}
	arch, err := config.ParseArch(m.Arch)
	if err != nil {
		return err
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return err
	}
	paths, err := (&sonamer.Pipeline{Config: cfg, Arch: arch, Root: root}).Paths()
	if err != nil {
		return err
	}

	drift, err := m.Check(map[string]string{
		manifest.TreeBuild:   paths.BuildLib,
		manifest.TreeRuntime: paths.RuntimeLib,
		manifest.TreeAssets:  paths.Assets,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, d := range drift {
		fmt.Fprintf(out, "%s/%s: %s\n", d.Entry.Tree, d.Entry.Path, d.Reason)
	}
	if len(drift) > 0 {
		return fmt.Errorf("%d of %d manifest entries drifted", len(drift), len(m.Entries))
	}
	fmt.Fprintf(out, "%d manifest entries match\n", len(m.Entries))
	return nil
}
