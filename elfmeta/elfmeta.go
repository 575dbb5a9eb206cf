// Package elfmeta reads the dynamic-link identity of shared objects: the
// SONAME a library declares for itself and the NEEDED entries naming the
// libraries it depends on. Nothing in this package modifies a file.
package elfmeta

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
)

// ErrMalformedArtifact is returned for shared objects that cannot be renamed
// safely: unreadable images, more than one SONAME, or no SONAME at all when
// the policy requires one.
var ErrMalformedArtifact = errors.New("malformed artifact")

// Info is the dynamic-section identity of one shared object.
type Info struct {
	Soname string
	// Needed keeps the order of the dynamic section.
	Needed []string
	// Declared is false when Soname was derived from the file name.
	Declared bool
}

// Reader extracts Info from a shared object on disk.
type Reader interface {
	Read(ctx context.Context, path string) (Info, error)
}

// Policy decides what happens to an artifact without a SONAME entry.
type Policy int

const (
	// RequireSoname rejects artifacts that declare no SONAME.
	RequireSoname Policy = iota
	// BasenameFallback uses the file name as the SONAME. Plugins loaded
	// with dlopen commonly carry no SONAME.
	BasenameFallback
)

func (p Policy) String() string {
	switch p {
	case RequireSoname:
		return "require-soname"
	case BasenameFallback:
		return "basename-fallback"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// resolve applies the SONAME cardinality rules shared by every reader.
func resolve(path string, policy Policy, sonames []string, needed []string) (Info, error) {
	switch {
	case len(sonames) == 1:
		return Info{Soname: sonames[0], Needed: needed, Declared: true}, nil
	case len(sonames) > 1:
		return Info{}, fmt.Errorf("%w: %s declares %d sonames %q", ErrMalformedArtifact, path, len(sonames), sonames)
	case policy == BasenameFallback:
		return Info{Soname: filepath.Base(path), Needed: needed}, nil
	default:
		return Info{}, fmt.Errorf("%w: %s declares no soname", ErrMalformedArtifact, path)
	}
}
