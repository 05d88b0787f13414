// Package fix implements the verify-and-fix kernel: given a source path, a
// destination path, and a checksum slot, it brings the destination in line
// with the source and reports whether any change was needed.
//
// Grounded on _examples/original_source/src/copy.rs (fix_file, fix_directory,
// fix_symlink, and their copy_* counterparts used to seed a fresh
// destination), restructured around the cache.Policy capability the way the
// teacher threads its filesystem.Watcher/rsync.Engine collaborators through
// call sites instead of relying on global state.
package fix

import (
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/symphorien/cccp/internal/cache"
	"github.com/symphorien/cccp/internal/checksum"
	"github.com/symphorien/cccp/internal/classify"
)

// blockSize is the unit of aligned I/O the engine performs against the
// destination; 4096 is a safe floor for O_DIRECT's alignment requirement on
// Linux.
const blockSize = 4096

// Path fixes the copy at target of the file, directory, or symlink at orig,
// validating (or seeding) slot along the way. It returns true iff target was
// modified.
func Path(p cache.Policy, orig, target string, slot *checksum.Slot) (bool, error) {
	kind, err := classify.OfPath(orig)
	if err != nil {
		return false, errors.Wrapf(err, "stat(%s) to fix", orig)
	}
	switch kind {
	case classify.Regular, classify.Device:
		return fixFile(p, orig, target, slot)
	case classify.Directory:
		return fixDirectory(p, orig, target, slot)
	case classify.Symlink:
		return fixSymlink(orig, target, slot)
	default:
		return false, errors.Errorf("cannot fix unknown fs path type %s", orig)
	}
}

// Copy seeds a fresh destination from orig, returning orig's checksum. Used
// when target does not exist yet.
func Copy(p cache.Policy, orig, target string) (checksum.Checksum, error) {
	kind, err := classify.OfPath(orig)
	if err != nil {
		return checksum.Checksum{}, errors.Wrapf(err, "stat(%s) to copy", orig)
	}
	switch kind {
	case classify.Regular, classify.Device:
		return copyFile(p, orig, target)
	case classify.Directory:
		return copyDirectory(target, orig)
	case classify.Symlink:
		if err := copySymlink(orig, target); err != nil {
			return checksum.Checksum{}, err
		}
		return symlinkChecksum(orig)
	default:
		return checksum.Checksum{}, errors.Errorf("cannot copy unknown fs path type %s", orig)
	}
}

func copyFile(p cache.Policy, orig, target string) (checksum.Checksum, error) {
	origFd, err := os.Open(orig)
	if err != nil {
		return checksum.Checksum{}, errors.Wrapf(err, "failed to open %s for copy input", orig)
	}
	defer origFd.Close()

	info, err := origFd.Stat()
	if err != nil {
		return checksum.Checksum{}, errors.Wrapf(err, "failed to stat %s to copy mode", orig)
	}

	targetFd, err := p.OpenNoCache(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return checksum.Checksum{}, errors.Wrapf(err, "failed to open %s for copy output", target)
	}
	defer targetFd.Close()

	hasher := checksum.NewHasher()
	buf := cache.AlignedBuffer(blockSize)
	for {
		n, err := origFd.Read(buf)
		if n > 0 {
			hasher.Update(buf[:n])
			if _, werr := targetFd.Write(buf[:n]); werr != nil {
				return checksum.Checksum{}, errors.Wrapf(werr, "writing to %s for copy output", target)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return checksum.Checksum{}, errors.Wrapf(err, "reading from %s for copy input", orig)
		}
	}
	return hasher.Finalize(), nil
}

func fixFile(p cache.Policy, orig, target string, slot *checksum.Slot) (bool, error) {
	targetFd, err := p.OpenNoCache(target, os.O_RDWR|unix.O_NOFOLLOW, 0)
	if err != nil {
		if isRecopySentinel(err) {
			if rerr := removePath(target); rerr != nil {
				return false, errors.Wrapf(rerr, "removing copy target %s of file %s because it is not a file", target, orig)
			}
			newChecksum, cerr := copyFile(p, orig, target)
			if cerr != nil {
				return false, errors.Wrapf(cerr, "making a fresh copy of file %s to %s", orig, target)
			}
			if ferr := slot.FillOrCheck(newChecksum); ferr != nil {
				return false, errors.Wrapf(ferr, "bad checksum for file %s", orig)
			}
			return true, nil
		}
		return false, errors.Wrapf(err, "failed to open %s for fixing", target)
	}
	defer targetFd.Close()

	origFd, err := os.Open(orig)
	if err != nil {
		return false, errors.Wrapf(err, "failed to open %s as fix input", orig)
	}
	defer origFd.Close()
	if err := unix.Fadvise(int(origFd.Fd()), 0, 0, unix.FADV_SEQUENTIAL); err != nil {
		return false, errors.Wrapf(err, "posix_fadvise(%s, SEQUENTIAL)", orig)
	}

	hasher := checksum.NewHasher()
	reference := cache.AlignedBuffer(blockSize)
	actual := cache.AlignedBuffer(blockSize)
	var offset int64
	changed := false

	for {
		nOrig, rerr := readFull(origFd, reference)
		if rerr != nil && rerr != io.EOF {
			return false, errors.Wrapf(rerr, "reading from %s for comparing", orig)
		}
		if nOrig == 0 {
			isBlockDevice, kerr := classify.OfFile(targetFd)
			if kerr != nil {
				return false, kerr
			}
			if isBlockDevice != classify.Device {
				n, terr := targetFd.Read(actual[:1])
				if terr != nil && terr != io.EOF {
					return false, errors.Wrapf(terr, "reading from %s for comparing", target)
				}
				if n != 0 {
					if serr := targetFd.Truncate(offset); serr != nil {
						return false, errors.Wrapf(serr, "truncating %s", target)
					}
					changed = true
				}
			}
			break
		}

		append_ := false
		nActual, terr := readExactly(targetFd, actual[:nOrig])
		if terr == io.EOF || (terr == nil && nActual < nOrig) {
			append_ = true
		} else if terr != nil {
			return false, errors.Wrapf(terr, "reading from %s for comparing", target)
		}

		data := reference[:nOrig]
		hasher.Update(data)
		if append_ || !bytesEqual(data, actual[:nOrig]) {
			changed = true
			if _, serr := targetFd.Seek(offset, io.SeekStart); serr != nil {
				return false, errors.Wrapf(serr, "seeking in %s for fixing output", target)
			}
			if _, werr := targetFd.Write(data); werr != nil {
				return false, errors.Wrapf(werr, "writing to %s for fixing output", target)
			}
		}
		offset += int64(nOrig)
	}

	if err := slot.FillOrCheck(hasher.Finalize()); err != nil {
		return false, errors.Wrapf(err, "bad checksum for file %s", orig)
	}
	return changed, nil
}

// readFull reads up to len(buf) bytes, returning io.EOF only when zero bytes
// were read (unlike io.ReadFull, which never returns a short non-zero
// count as success but also never reports io.EOF with n>0).
func readFull(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF {
		return n, nil
	}
	return n, err
}

// readExactly reads len(buf) bytes, returning the count read and io.EOF if
// the reader ran out first (a short read, not an error for our purposes).
func readExactly(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF {
		return n, io.EOF
	}
	return n, err
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// isRecopySentinel reports whether err is one of the two fix-kernel sentinel
// conditions that mean "target is not usable as a regular file at all":
// opening a directory for read+write, or too many symlinks to follow.
func isRecopySentinel(err error) bool {
	return errors.Is(err, unix.EISDIR) || errors.Is(err, unix.ELOOP)
}

func copySymlink(orig, target string) error {
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing copy target %s of symlink %s", target, orig)
	}
	content, err := os.Readlink(orig)
	if err != nil {
		return errors.Wrapf(err, "reading symlink %s for copy", orig)
	}
	if err := os.Symlink(content, target); err != nil {
		return errors.Wrapf(err, "creating a symlink from %s to %s", orig, target)
	}
	return nil
}

func symlinkChecksum(path string) (checksum.Checksum, error) {
	content, err := os.Readlink(path)
	if err != nil {
		return checksum.Checksum{}, errors.Wrapf(err, "computing checksum of symlink %s", path)
	}
	hasher := checksum.NewHasher()
	hasher.Update([]byte(content))
	return hasher.Finalize(), nil
}

func fixSymlink(orig, target string, slot *checksum.Slot) (bool, error) {
	origChecksum, err := symlinkChecksum(orig)
	if err != nil {
		return false, err
	}
	if err := slot.FillOrCheck(origChecksum); err != nil {
		return false, errors.Wrapf(err, "fixing the copy of %s", orig)
	}

	targetChecksum, err := symlinkChecksum(target)
	targetIsLink := err == nil
	if err != nil {
		if !errors.Is(err, unix.EINVAL) {
			// any error other than "target exists but is not a symlink" is
			// fatal here, matching the source's strict propagation.
			return false, err
		}
		if rerr := os.Remove(target); rerr != nil && !os.IsNotExist(rerr) {
			return false, errors.Wrapf(rerr, "removing copy target %s of symlink %s because it is not a symlink", target, orig)
		}
	}

	if !targetIsLink || !targetChecksum.Equal(origChecksum) {
		if err := copySymlink(orig, target); err != nil {
			return false, errors.Wrapf(err, "copy symlink %s to fix", orig)
		}
		return true, nil
	}
	return false, nil
}

func createDirectory(target string) error {
	if err := os.Mkdir(target, 0o777); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "creating directory %s", target)
	}
	return nil
}

func directoryChecksum(path string) (checksum.Checksum, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return checksum.Checksum{}, errors.Wrapf(err, "computing checksum of %s", path)
	}
	var res checksum.Checksum
	for _, entry := range entries {
		hasher := checksum.NewHasher()
		hasher.Update([]byte(entry.Name()))
		res.XORAssign(hasher.Finalize())
	}
	return res, nil
}

func copyDirectory(target, orig string) (checksum.Checksum, error) {
	if err := createDirectory(target); err != nil {
		return checksum.Checksum{}, err
	}
	return directoryChecksum(orig)
}

func removePath(path string) error {
	kind, err := classify.OfPath(path)
	if err != nil {
		return errors.Wrapf(err, "stat(%s) for removal", path)
	}
	if kind == classify.Directory {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		return errors.Wrapf(err, "removing %s", path)
	}
	return nil
}

func fixDirectory(p cache.Policy, orig, target string, slot *checksum.Slot) (bool, error) {
	targetNames, err := readDirNames(target)
	if err != nil {
		if errors.Is(err, unix.ENOTDIR) {
			if rerr := removePath(target); rerr != nil {
				return false, errors.Wrapf(rerr, "removing copy target %s of directory %s because it is not a directory", target, orig)
			}
			newChecksum, cerr := copyDirectory(target, orig)
			if cerr != nil {
				return false, errors.Wrapf(cerr, "making a fresh copy of directory %s to %s", orig, target)
			}
			if ferr := slot.FillOrCheck(newChecksum); ferr != nil {
				return false, errors.Wrapf(ferr, "bad checksum for directory %s", orig)
			}
			return true, nil
		}
		return false, errors.Wrapf(err, "reading directory for fixing %s", target)
	}

	origNames, err := readDirNames(orig)
	if err != nil {
		return false, errors.Wrapf(err, "reading directory for comparison %s", orig)
	}

	var res checksum.Checksum
	want := make(map[string]bool)
	have := make(map[string]bool)

	i, j := 0, 0
	for i < len(origNames) {
		name := origNames[i]
		hasher := checksum.NewHasher()
		hasher.Update([]byte(name))
		res.XORAssign(hasher.Finalize())

		if j >= len(targetNames) {
			want[name] = true
			i++
			continue
		}
		name2 := targetNames[j]
		if name2 != name {
			have[name2] = true
			want[name] = true
		}
		i++
		j++
	}

	if ferr := slot.FillOrCheck(res); ferr != nil {
		return false, errors.Wrapf(ferr, "bad checksum for directory %s", orig)
	}

	for ; j < len(targetNames); j++ {
		have[targetNames[j]] = true
	}

	changed := false
	for name := range have {
		if want[name] {
			continue
		}
		changed = true
		childPath := filepath.Join(target, name)
		if err := removePath(childPath); err != nil {
			return false, errors.Wrapf(err, "removing extra directory member %s", childPath)
		}
	}
	return changed, nil
}

func readDirNames(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	sort.Strings(names)
	return names, nil
}
