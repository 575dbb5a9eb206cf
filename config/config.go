// Package config loads the settings that drive a sonamer run.
//
// Configuration starts from the embedded defaults (defaults.yaml) and is
// overlaid by at most one YAML file, named by the --config flag or the
// SONAMER_CONFIG environment variable. Lists in the file replace the default
// lists wholesale; they are never merged.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// EnvConfig names the environment variable consulted when no --config flag
// is given.
const EnvConfig = "SONAMER_CONFIG"

//go:embed defaults.yaml
var defaultsYAML []byte

// Reader kinds.
const (
	ReaderReadelf = "readelf"
	ReaderNative  = "native"
)

// Config is the full description of one install run.
type Config struct {
	// Version is the packaged WPE WebKit release, used in archive names
	// and download URLs.
	Version string `yaml:"version"`

	// URLTemplate is expanded with {version} and {filename} to locate
	// prebuilt archives.
	URLTemplate string `yaml:"url_template"`

	Cerbero  CerberoConfig  `yaml:"cerbero"`
	Archives ArchivesConfig `yaml:"archives"`

	// Reader selects the ELF metadata reader: "readelf" shells out to
	// the binutils tool, "native" uses debug/elf.
	Reader string `yaml:"reader"`

	// Readelf is the readelf executable name or path.
	Readelf string `yaml:"readelf"`

	// BuildOnly lists names (libraries or directories) installed into the
	// build-time tree but never into the run-time tree.
	BuildOnly []string `yaml:"build_only"`

	Headers []HeaderPackage `yaml:"headers"`

	// Replacements are soname renames that cannot be derived from the
	// libraries being installed.
	Replacements []Replacement `yaml:"replacements"`

	// BaseNeeded seeds the NEEDED set of the closure check.
	BaseNeeded []string `yaml:"base_needed"`

	// SystemLibs are provided by the device image and never count as
	// unresolved.
	SystemLibs []string `yaml:"system_libs"`

	PluginDirs []PluginDir `yaml:"plugin_dirs"`
	DataDirs   []string    `yaml:"data_dirs"`
	Aliases    []Alias     `yaml:"aliases"`
	Assets     []Asset     `yaml:"assets"`

	Layout LayoutConfig `yaml:"layout"`
}

// CerberoConfig locates the cross-compilation toolchain checkout.
type CerberoConfig struct {
	Origin  string `yaml:"origin"`
	Branch  string `yaml:"branch"`
	Package string `yaml:"package"`
}

// ArchivesConfig names the packaged archives and what is extracted from them.
// Names are expanded with {arch} and {version}.
type ArchivesConfig struct {
	Devel          string   `yaml:"devel"`
	Runtime        string   `yaml:"runtime"`
	DevelMembers   []string `yaml:"devel_members"`
	RuntimeMembers []string `yaml:"runtime_members"`
}

// HeaderPackage copies <sysroot>/include/<From> to <include>/<To>.
type HeaderPackage struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Replacement is a hard-coded soname rename.
type Replacement struct {
	Original string `yaml:"original"`
	Adjusted string `yaml:"adjusted"`
}

// PluginDir is a directory below <sysroot>/lib whose libraries are walked
// recursively. Flattened directories land in the top level of the run-time
// tree.
type PluginDir struct {
	Path    string `yaml:"path"`
	Flatten bool   `yaml:"flatten"`
}

// Alias is a symlink Name -> Target created next to the staged libraries.
type Alias struct {
	Name   string `yaml:"name"`
	Target string `yaml:"target"`
}

// Asset copies <sysroot>/lib/<From> (file or directory) to <assets>/<To>.
type Asset struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// LayoutConfig holds destination trees relative to the project root.
type LayoutConfig struct {
	Include    string `yaml:"include"`
	BuildLib   string `yaml:"build_lib"`
	RuntimeLib string `yaml:"runtime_lib"`
	Assets     string `yaml:"assets"`
}

// Default returns the embedded default configuration.
func Default() *Config {
	cfg, err := decode(&Config{}, bytes.NewReader(defaultsYAML))
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults: %v", err))
	}
	return cfg
}

// Load reads the configuration file at path over the defaults. An empty path
// falls back to $SONAMER_CONFIG, and to the bare defaults when that is unset
// too.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer file.Close()

	cfg, err := decode(Default(), file)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func decode(cfg *Config, r io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that would otherwise fail late in a run.
func (c *Config) Validate() error {
	if _, err := semver.NewVersion(c.Version); err != nil {
		return fmt.Errorf("invalid version %q: %w", c.Version, err)
	}
	switch c.Reader {
	case ReaderReadelf:
		if c.Readelf == "" {
			return errors.New("reader readelf needs a readelf tool")
		}
	case ReaderNative:
	default:
		return fmt.Errorf("unknown reader %q", c.Reader)
	}
	if c.Layout.BuildLib == "" || c.Layout.RuntimeLib == "" {
		return errors.New("layout needs build_lib and runtime_lib")
	}
	for _, alias := range c.Aliases {
		if alias.Name == "" || alias.Target == "" || strings.ContainsRune(alias.Name, filepath.Separator) {
			return fmt.Errorf("invalid alias %q -> %q", alias.Name, alias.Target)
		}
	}
	for _, replacement := range c.Replacements {
		if replacement.Original == "" || replacement.Adjusted == "" {
			return fmt.Errorf("invalid replacement %q -> %q", replacement.Original, replacement.Adjusted)
		}
	}
	return nil
}

// ArchiveName expands an archive name template for arch.
func (c *Config) ArchiveName(template string, arch Arch) string {
	return strings.NewReplacer("{arch}", string(arch), "{version}", c.Version).Replace(template)
}

// DevelArchive is the file name of the development archive for arch.
func (c *Config) DevelArchive(arch Arch) string {
	return c.ArchiveName(c.Archives.Devel, arch)
}

// RuntimeArchive is the file name of the runtime archive for arch.
func (c *Config) RuntimeArchive(arch Arch) string {
	return c.ArchiveName(c.Archives.Runtime, arch)
}
