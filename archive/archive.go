// Package archive extracts selected members of the tarballs the cross
// toolchain packages. Compression is chosen from the file name.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

var (
	// ErrMemberNotFound is returned when a requested member is absent
	// from the archive.
	ErrMemberNotFound = errors.New("member not found in archive")

	// ErrUnsafePath is returned for entries that would land outside the
	// destination directory.
	ErrUnsafePath = errors.New("unsafe path in archive")

	// ErrUnknownFormat is returned for file names without a known
	// tarball suffix.
	ErrUnknownFormat = errors.New("unknown archive format")
)

// Extract unpacks the entries of archivePath that equal or lie below one of
// members into dest. No members means everything. Permissions, symlinks
// and hard links are preserved.
func Extract(ctx context.Context, archivePath, dest string, members ...string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", archivePath, err)
	}
	defer file.Close()

	stream, err := decompress(archivePath, file)
	if err != nil {
		return fmt.Errorf("%s: %w", archivePath, err)
	}
	defer stream.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}

	found := make(map[string]bool, len(members))
	reader := tar.NewReader(stream)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%s: %w: %s", archivePath, ErrUnsafePath, header.Name)
		}
		if err != nil {
			return fmt.Errorf("%s: read: %w", archivePath, err)
		}

		name := cleanName(header.Name)
		if name == "" {
			continue
		}
		member, ok := matchMember(name, members)
		if !ok {
			continue
		}
		found[member] = true

		if err := extractEntry(reader, header, name, dest); err != nil {
			return fmt.Errorf("%s: %s: %w", archivePath, header.Name, err)
		}
	}

	for _, member := range members {
		if !found[member] {
			return fmt.Errorf("%s: %w: %s", archivePath, ErrMemberNotFound, member)
		}
	}
	return nil
}

func decompress(name string, r io.Reader) (io.ReadCloser, error) {
	switch {
	case strings.HasSuffix(name, ".tar.xz"), strings.HasSuffix(name, ".txz"):
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("xz: %w", err)
		}
		return io.NopCloser(xr), nil
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tzst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return zr.IOReadCloser(), nil
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return gr, nil
	case strings.HasSuffix(name, ".tar.lz4"):
		return io.NopCloser(lz4.NewReader(r)), nil
	case strings.HasSuffix(name, ".tar"):
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Base(name))
	}
}

func cleanName(name string) string {
	name = filepath.ToSlash(filepath.Clean(filepath.FromSlash(name)))
	name = strings.TrimPrefix(name, "./")
	if name == "." {
		return ""
	}
	return name
}

func matchMember(name string, members []string) (string, bool) {
	if len(members) == 0 {
		return "", true
	}
	for _, member := range members {
		member = strings.TrimSuffix(cleanName(member), "/")
		if name == member || strings.HasPrefix(name, member+"/") {
			return member, true
		}
	}
	return "", false
}

func extractEntry(reader io.Reader, header *tar.Header, name, dest string) error {
	target, err := securePath(dest, name)
	if err != nil {
		return err
	}
	mode := header.FileInfo().Mode()

	switch header.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(target, mode.Perm()|0o700); err != nil {
			return err
		}
		return os.Chmod(target, mode.Perm()|0o700)

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode.Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, reader); err != nil {
			out.Close()
			return err
		}
		if err := out.Chmod(mode.Perm()); err != nil {
			out.Close()
			return err
		}
		return out.Close()

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return os.Symlink(header.Linkname, target)

	case tar.TypeLink:
		source, err := securePath(dest, cleanName(header.Linkname))
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return os.Link(source, target)

	default:
		// Device nodes and FIFOs have no place in a sysroot.
		return nil
	}
}

// securePath joins name to dest and rejects results that escape dest,
// either lexically or through a symlinked parent directory.
func securePath(dest, name string) (string, error) {
	if filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	target := filepath.Join(dest, filepath.FromSlash(name))

	root, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return "", err
	}
	parent, err := filepath.EvalSymlinks(existingAncestor(filepath.Dir(target)))
	if err != nil {
		return "", err
	}
	if parent != root && !strings.HasPrefix(parent, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s resolves outside %s", ErrUnsafePath, name, dest)
	}
	return target, nil
}

func existingAncestor(path string) string {
	for {
		if _, err := os.Lstat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}
