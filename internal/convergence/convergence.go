// Package convergence implements the top-level round loop described in
// spec.md §4.F: build obligations once, then repeatedly drop the
// destination's cache and re-run the fix kernel until nothing is left to
// repair.
//
// Grounded on the round/cache-drop/retry structure implied across
// _examples/original_source/src/{main,progress}.rs, restructured the way the
// teacher's rsync.Engine drives its own synchronization loop around a
// pluggable transport.
package convergence

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/symphorien/cccp/internal/cache"
	"github.com/symphorien/cccp/internal/fix"
	"github.com/symphorien/cccp/internal/logging"
	"github.com/symphorien/cccp/internal/obligation"
	"github.com/symphorien/cccp/internal/progress"
)

var log = logging.RootLogger.Sublogger("convergence")

// Options configures a single Run.
type Options struct {
	Source      string
	Destination string
	Policy      cache.Policy
	Progress    progress.Reporter
	Once        bool
}

// Run canonicalizes source and destination, runs the selected policy's
// PermissionCheck, builds the initial obligation set, and loops
// drop-cache/fix-kernel rounds until the obligation set is empty (or, under
// Once, fails after a single round if anything remains).
func Run(opts Options) error {
	source, err := filepath.Abs(opts.Source)
	if err != nil {
		return errors.Wrapf(err, "resolving source %s", opts.Source)
	}
	if _, err := os.Lstat(source); err != nil {
		return errors.Wrapf(err, "source %s must exist", source)
	}

	destination, err := filepath.Abs(opts.Destination)
	if err != nil {
		return errors.Wrapf(err, "resolving destination %s", opts.Destination)
	}
	destParent := filepath.Dir(destination)
	if _, err := os.Stat(destParent); err != nil {
		return errors.Wrapf(err, "destination's parent directory %s must exist", destParent)
	}

	if filepath.IsAbs(source) && filepath.IsAbs(destination) {
		if err := os.Chdir("/"); err != nil {
			return errors.Wrap(err, "changing working directory to / before taking over the destination")
		}
	}

	if err := opts.Policy.PermissionCheck(destination); err != nil {
		return errors.Wrapf(err, "%s cache-eviction policy is not usable against %s", opts.Policy.Name(), destination)
	}

	obligations, err := obligation.Build(opts.Policy, source, destination)
	if err != nil {
		return errors.Wrap(err, "building initial obligations")
	}
	log.Printf("built %d initial obligations", len(obligations))

	reporter := opts.Progress
	defer reporter.Done()

	for round := 1; len(obligations) > 0; round++ {
		reporter.NextRound(obligation.TotalSize(obligations))
		log.Printf("round %d: %d obligations to verify", round, len(obligations))

		reporter.Syncing()
		replacement, err := opts.Policy.DropCache(destination)
		if err != nil {
			return errors.Wrapf(err, "dropping cache of %s before round %d", destination, round)
		}
		if replacement != nil {
			log.Printf("destination reappeared: %s -> %s", replacement.Before, replacement.After)
			obligation.Rewrite(obligations, replacement.Before, replacement.After)
			if replacement.Before == destination {
				destination = replacement.After
			}
		}

		remaining := obligations[:0]
		for _, ob := range obligations {
			changed, err := fix.Path(opts.Policy, ob.Source, ob.Destination, ob.Checksum)
			if err != nil {
				return errors.Wrapf(err, "fixing %s", ob.Destination)
			}
			reporter.DoBytes(ob.Size)
			if changed {
				remaining = append(remaining, ob)
			}
		}
		obligations = remaining

		if opts.Once && len(obligations) > 0 {
			return errors.Errorf("still %d files to fix after one round (--once was set)", len(obligations))
		}
	}

	log.Printf("converged: %s matches %s", destination, source)
	return nil
}
