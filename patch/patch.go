// Package patch rewrites soname strings inside shared objects.
//
// Substitution is a plain byte-for-byte replacement of every occurrence of
// each original name, so SONAME and NEEDED entries are rewritten together
// with any other string-table copy (symbol versions, debug info). Every
// replacement keeps the length of the name, so no offset in the image moves.
package patch

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/sliverarmory/sonamer/soname"
)

// ErrSizeChanged is returned if patching would change the size of a file.
// Validated plans never trigger it.
var ErrSizeChanged = errors.New("patched image changed size")

// Apply returns a copy of content with every plan rename applied. content
// itself is not modified. Applying a plan to already patched content is a
// no-op.
func Apply(content []byte, plan *soname.Plan) []byte {
	out := bytes.Clone(content)
	for _, pair := range plan.PatchOrder() {
		out = bytes.ReplaceAll(out, []byte(pair.Original), []byte(pair.Adjusted))
	}
	return out
}

// Count returns how many substitutions Apply would make on content.
func Count(content []byte, plan *soname.Plan) int {
	n := 0
	for _, pair := range plan.PatchOrder() {
		n += bytes.Count(content, []byte(pair.Original))
	}
	return n
}

// File patches src into dst, which may be the same path. dst is replaced
// atomically and keeps the permission bits of src. It returns the number of
// substitutions made.
func File(src, dst string, plan *soname.Plan) (int, error) {
	info, err := os.Stat(src)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", src, err)
	}
	content, err := os.ReadFile(src)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", src, err)
	}

	n := Count(content, plan)
	patched := Apply(content, plan)
	if len(patched) != len(content) {
		return 0, fmt.Errorf("%w: %s: %d -> %d bytes", ErrSizeChanged, src, len(content), len(patched))
	}

	if err := WriteFileAtomic(dst, patched, info.Mode().Perm()); err != nil {
		return 0, err
	}
	return n, nil
}

// WriteFileAtomic writes data to a temporary file beside path, flushes it
// and renames it over path. A crash leaves either the old file or the new
// one, never a truncated image.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := writeFileAtomic(path, data, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
