// Package obligation builds and maintains the set of (source, destination)
// pairs a convergence run must keep in sync, seeding each one's checksum on
// first sight.
//
// Grounded on the directory walk and destination path-rewrite implied by
// _examples/original_source/src/copy.rs's copy_path/copy_directory plus the
// path-prefix rewrite helper in src/utils.rs's change_prefix(es), restructured
// the way the teacher's pkg/filesystem/walk.go accumulates a pre-order file
// list before acting on it.
package obligation

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/symphorien/cccp/internal/cache"
	"github.com/symphorien/cccp/internal/checksum"
	"github.com/symphorien/cccp/internal/classify"
	"github.com/symphorien/cccp/internal/fix"
)

// Obligation is one (source, destination) pair the convergence driver must
// keep synchronized, along with the recorded checksum slot used to detect
// a changed source across rounds and the size contributed to progress
// pacing.
type Obligation struct {
	Source      string
	Destination string
	Checksum    *checksum.Slot
	Size        uint64
}

// Build walks source in pre-order (symlinks not followed) and returns one
// Obligation per entry, seeding each destination by fixing it in place (if
// it already exists) or copying it fresh. Destination paths are computed by
// rewriting the source-root prefix to destRoot.
func Build(p cache.Policy, sourceRoot, destRoot string) ([]*Obligation, error) {
	sourcePaths, err := walk(sourceRoot)
	if err != nil {
		return nil, err
	}

	obligations := make([]*Obligation, 0, len(sourcePaths))
	for _, s := range sourcePaths {
		t := rewrite(sourceRoot, destRoot, s)

		ob := &Obligation{Source: s, Destination: t}

		if _, statErr := os.Lstat(t); statErr == nil {
			ob.Checksum = checksum.NewEmptySlot()
			size, sizeErr := sizeOf(s)
			if sizeErr != nil {
				return nil, sizeErr
			}
			ob.Size = size
			if _, err := fix.Path(p, s, t, ob.Checksum); err != nil {
				return nil, errors.Wrapf(err, "seeding obligation for %s", s)
			}
		} else if os.IsNotExist(statErr) {
			seedChecksum, copyErr := fix.Copy(p, s, t)
			if copyErr != nil {
				return nil, errors.Wrapf(copyErr, "copying %s to %s", s, t)
			}
			ob.Checksum = checksum.NewFilledSlot(seedChecksum)
			size, sizeErr := sizeOf(s)
			if sizeErr != nil {
				return nil, sizeErr
			}
			ob.Size = size
		} else {
			return nil, errors.Wrapf(statErr, "checking whether %s already exists", t)
		}

		obligations = append(obligations, ob)
	}
	return obligations, nil
}

// walk enumerates source in pre-order, following no symlinks, the way
// filepath.Walk already behaves by default (it calls Lstat, not Stat, and
// never descends into a path reported as a symlink).
func walk(source string) ([]string, error) {
	kind, err := classify.OfPath(source)
	if err != nil {
		return nil, errors.Wrapf(err, "stat(%s) to build obligations", source)
	}
	if kind != classify.Directory {
		return []string{source}, nil
	}

	var paths []string
	err = filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return errors.Wrapf(err, "walking %s", path)
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// rewrite computes the destination path for a source entry by replacing the
// sourceRoot prefix with destRoot, component-wise (§Glossary path-prefix
// rewrite), mirroring change_prefix in
// _examples/original_source/src/utils.rs.
func rewrite(sourceRoot, destRoot, path string) string {
	rel := strings.TrimPrefix(path, sourceRoot)
	rel = strings.TrimPrefix(rel, string(filepath.Separator))
	if rel == "" {
		return destRoot
	}
	return filepath.Join(destRoot, rel)
}

// Rewrite applies a Replacement's before->after path-prefix rewrite in
// place to every obligation whose destination has before as a prefix,
// matching spec.md §4.F step 5.b.
func Rewrite(obligations []*Obligation, before, after string) {
	for _, ob := range obligations {
		if ob.Destination == before || strings.HasPrefix(ob.Destination, before+string(filepath.Separator)) {
			ob.Destination = rewrite(before, after, ob.Destination)
		}
	}
}

func sizeOf(path string) (uint64, error) {
	kind, err := classify.OfPath(path)
	if err != nil {
		return 0, err
	}
	if kind != classify.Regular {
		return 0, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.Wrapf(err, "stat(%s) for progress size", path)
	}
	return uint64(info.Size()), nil
}

// TotalSize sums the Size field across a set of obligations, for progress
// pacing at the start of a round.
func TotalSize(obligations []*Obligation) uint64 {
	var total uint64
	for _, ob := range obligations {
		total += ob.Size
	}
	return total
}
