package layout

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FileFunc produces dst from the regular file src.
type FileFunc func(src, dst string) error

// ResetDir removes dir and recreates it empty.
func ResetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

// CopyTree copies src, a file or a directory, to dst. Directories are
// walked recursively, symlinks are recreated rather than followed, and
// regular files go through fn (CopyFile when nil). dst must not exist yet
// or must be a directory that may receive the copied entries.
func CopyTree(src, dst string, fn FileFunc) error {
	if fn == nil {
		fn = CopyFile
	}

	info, err := os.Lstat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}
	if !info.IsDir() {
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
		}
		return copyEntry(src, dst, info.Mode(), fn)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyEntry(path, filepath.Join(dst, rel), info.Mode(), fn)
	})
}

func copyEntry(src, dst string, mode fs.FileMode, fn FileFunc) error {
	switch {
	case mode.IsDir():
		if err := os.MkdirAll(dst, mode.Perm()|0o700); err != nil {
			return fmt.Errorf("create %s: %w", dst, err)
		}
		return nil
	case mode&fs.ModeSymlink != 0:
		return CopySymlink(src, dst)
	case mode.IsRegular():
		return fn(src, dst)
	default:
		return fmt.Errorf("%s: unsupported file type %s", src, mode.Type())
	}
}

// CopySymlink recreates the symlink src at dst with the same target.
func CopySymlink(src, dst string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return fmt.Errorf("readlink %s: %w", src, err)
	}
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("replace %s: %w", dst, err)
	}
	if err := os.Symlink(target, dst); err != nil {
		return fmt.Errorf("symlink %s -> %s: %w", dst, target, err)
	}
	return nil
}

// CopyFile copies the regular file src to dst, keeping its permission bits.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := out.Chmod(info.Mode().Perm()); err != nil {
		out.Close()
		return fmt.Errorf("chmod %s: %w", dst, err)
	}
	return out.Close()
}
