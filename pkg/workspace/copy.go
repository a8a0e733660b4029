package workspace

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/otiai10/copy"
)

// copyTree copies src into dst, which must not exist. Files keep their mode
// plus owner write, and symlinks are recreated as links. Dispatch state (job ID and
// notification sidecars), git metadata and staging files are not copied, so
// a clone starts out with nothing submitted.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", src)
	}
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("%s already exists", dst)
	}
	return copy.Copy(src, dst, copy.Options{
		OnSymlink:         func(string) copy.SymlinkAction { return copy.Shallow },
		PermissionControl: copy.AddPermission(0o200),
		Skip: func(fi os.FileInfo, _, _ string) (bool, error) {
			return skipOnClone(fi), nil
		},
	})
}

// skipOnClone reports whether a session entry stays behind when the session
// is cloned.
func skipOnClone(fi os.FileInfo) bool {
	name := fi.Name()
	if fi.IsDir() {
		return name == ".git"
	}
	if strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp-") {
		return true
	}
	return strings.HasSuffix(name, JobIDSuffix) || strings.HasSuffix(name, NotifiedSuffix)
}

// copyFile copies one regular file, failing if dst exists.
func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// writeFileAtomic stages data in a temporary file next to path and renames it
// into place. Readers see either the old or the new content.
func writeFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
