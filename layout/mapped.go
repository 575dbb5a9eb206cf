package layout

import (
	"fmt"
	"os"
	"path/filepath"
)

// Mapping copies From, relative to a source root, to To, relative to a
// destination root.
type Mapping struct {
	From string
	To   string
}

// CopyMapped copies every mapping from srcRoot to dstRoot. Each destination
// is removed first, so reruns never merge with stale content; anything else
// under dstRoot is left alone.
func CopyMapped(srcRoot, dstRoot string, mappings []Mapping, fn FileFunc) error {
	for _, mapping := range mappings {
		src := filepath.Join(srcRoot, mapping.From)
		dst := filepath.Join(dstRoot, mapping.To)
		if err := os.RemoveAll(dst); err != nil {
			return fmt.Errorf("remove %s: %w", dst, err)
		}
		if err := CopyTree(src, dst, fn); err != nil {
			return fmt.Errorf("copy %s: %w", mapping.From, err)
		}
	}
	return nil
}

// InstallHeaders recreates includeDir and fills it with the renamed header
// packages from sysrootInclude.
func InstallHeaders(sysrootInclude, includeDir string, packages []Mapping) error {
	if err := ResetDir(includeDir); err != nil {
		return err
	}
	return CopyMapped(sysrootInclude, includeDir, packages, nil)
}
