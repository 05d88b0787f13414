// Package environment snapshots the process environment once at startup,
// mirroring the teacher's pkg/environment (which captures os.Environ() into
// a map so that later code reads a consistent view even if something in the
// process mutates the environment mid-run).
package environment

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Current is a snapshot of the process environment taken at package
// initialization time, augmented by any ".env" file load performed by
// LoadDotEnvForTests.
var Current = snapshot()

func snapshot() map[string]string {
	entries := os.Environ()
	result := make(map[string]string, len(entries))
	for _, e := range entries {
		if key, value, ok := strings.Cut(e, "="); ok {
			result[key] = value
		}
	}
	return result
}

// Reload re-snapshots Current from os.Environ(). Tests that use
// testing.T.Setenv call this afterwards, since Current is otherwise only
// captured once at package initialization.
func Reload() {
	Current = snapshot()
}

// LoadDotEnvForTests loads a ".env" file (if present) using
// github.com/joho/godotenv and refreshes Current. The teacher imports
// godotenv for exactly this purpose: letting test fixtures and local
// development set CCCP_NO_ROOT=1 without exporting it in the shell. It is a
// no-op (not an error) if no such file exists.
func LoadDotEnvForTests(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return err
	}
	Current = snapshot()
	return nil
}

// noRootVariable disables the vm policy's "must be UID 0" precondition and
// its /proc/sys/vm/drop_caches write, and skips the CLI's confirmation prompt
// for the umount and usbreset modes. The usbreset policy still requires
// root. Intended for tests.
const noRootVariable = "CCCP_NO_ROOT"

// NoRootOverride reports whether CCCP_NO_ROOT is set, bypassing privilege
// checks that would otherwise require root.
func NoRootOverride() bool {
	_, ok := Current[noRootVariable]
	return ok
}
