// Package fsstore resolves client-supplied filenames against a server's
// root directory, confining every request to that tree the same way the
// teacher's QListener.createFile rooted every incoming write under a fixed
// directory, and opens the resulting path for RRQ/WRQ traffic.
package fsstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jesinth-labs/gotftp/internal/tftp"
)

// ErrDiskFull is wrapped in the KindDiskFull SessionError that CheckSpace
// returns when an announced tsize exceeds the space free under Root.
var ErrDiskFull = errors.New("fsstore: disk full")

// ErrFileExists is wrapped in the KindFileAlreadyExists SessionError that
// OpenSink returns when overwrite is false and the target already exists.
var ErrFileExists = errors.New("fsstore: file already exists")

// Store roots every filename resolution at a fixed directory, rejecting any
// client-supplied path that would escape it.
type Store struct {
	Root string
}

// New returns a Store rooted at root. root is resolved to an absolute path
// up front so later containment checks are not fooled by a relative CWD
// change.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Store{Root: abs}, nil
}

// resolve maps a client-supplied, NUL-terminated wire filename to an
// absolute path under s.Root, rejecting traversal and absolute paths per
// the access-violation rule of §7.
func (s *Store) resolve(name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", tftp.NewSessionError(tftp.KindAccessViolation, "absolute paths are not permitted", nil)
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", tftp.NewSessionError(tftp.KindAccessViolation, "path escapes root directory", nil)
	}
	full := filepath.Join(s.Root, clean)
	rel, err := filepath.Rel(s.Root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", tftp.NewSessionError(tftp.KindAccessViolation, "path escapes root directory", nil)
	}
	return full, nil
}

// OpenSource opens name for reading, returning the handle and its size in
// bytes (used to answer a tsize=0 probe on RRQ).
func (s *Store) OpenSource(name string) (*os.File, int64, error) {
	full, err := s.resolve(name)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, tftp.NewSessionError(tftp.KindFileNotFound, "file not found", err)
		}
		if os.IsPermission(err) {
			return nil, 0, tftp.NewSessionError(tftp.KindAccessViolation, "permission denied", err)
		}
		return nil, 0, tftp.NewSessionError(tftp.KindAccessViolation, "open failed", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, tftp.NewSessionError(tftp.KindAccessViolation, "stat failed", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, tftp.NewSessionError(tftp.KindAccessViolation, "is a directory", nil)
	}
	return f, info.Size(), nil
}

// OpenSink opens name for writing a WRQ's incoming data. When overwrite is
// false and the file already exists, it fails with a KindFileAlreadyExists
// SessionError wrapping ErrFileExists (wire ERROR 6) instead of truncating it.
func (s *Store) OpenSink(name string, overwrite bool) (*os.File, error) {
	full, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(full, flags, 0644)
	if err != nil {
		if !overwrite && os.IsExist(err) {
			return nil, tftp.NewSessionError(tftp.KindFileAlreadyExists, "file already exists", ErrFileExists)
		}
		if os.IsPermission(err) {
			return nil, tftp.NewSessionError(tftp.KindAccessViolation, "permission denied", err)
		}
		return nil, tftp.NewSessionError(tftp.KindAccessViolation, "open failed", err)
	}
	return f, nil
}

// CheckSpace compares an announced transfer size against free space under
// Root, returning a KindDiskFull SessionError wrapping ErrDiskFull when it
// would not fit.
func (s *Store) CheckSpace(announced int64) error {
	if announced <= 0 {
		return nil
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.Root, &stat); err != nil {
		return nil // can't determine free space; let the write itself fail if it must
	}
	free := int64(stat.Bavail) * int64(stat.Bsize)
	if announced > free {
		return tftp.NewSessionError(tftp.KindDiskFull, "insufficient disk space", ErrDiskFull)
	}
	return nil
}

// ModeForFilename chooses netascii or octet transfer mode from a local
// filename's extension: text-like extensions go over the wire as netascii,
// everything else as octet. The codec itself never inspects this; it is
// purely a client-side convenience picked once per file.
func ModeForFilename(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".csv", ".log", ".cfg", ".conf", ".ini":
		return tftp.ModeNetascii
	default:
		return tftp.ModeOctet
	}
}
