package fix

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/symphorien/cccp/internal/cache"
	"github.com/symphorien/cccp/internal/checksum"
)

// passthroughPolicy is a no-op cache.Policy used by tests: PermissionCheck
// always succeeds, OpenNoCache is a plain os.OpenFile, and DropCache never
// returns a Replacement. It exercises the fix kernel's contract with the
// Policy interface without touching real cache hardware.
type passthroughPolicy struct{}

func (passthroughPolicy) PermissionCheck(string) error { return nil }

func (passthroughPolicy) OpenNoCache(path string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(path, flag, perm)
}

func (passthroughPolicy) DropCache(string) (*cache.Replacement, error) { return nil, nil }

func (passthroughPolicy) Name() string { return "test" }

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestFixFileEmptySeed(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "orig")
	target := filepath.Join(dir, "target")
	writeFile(t, orig, nil)

	sum, err := Copy(passthroughPolicy{}, orig, target)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}

	slot := checksum.NewFilledSlot(sum)
	changed, err := Path(passthroughPolicy{}, orig, target, slot)
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if changed {
		t.Fatalf("expected no change re-verifying a freshly copied empty file")
	}
}

func TestFixFileRepairsGarbageDestination(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "orig")
	target := filepath.Join(dir, "target")

	content := make([]byte, 10000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	writeFile(t, orig, content)
	writeFile(t, target, []byte("garbage, wrong length and content"))

	slot := checksum.NewEmptySlot()
	changed, err := Path(passthroughPolicy{}, orig, target, slot)
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if !changed {
		t.Fatalf("expected the garbage destination to require fixing")
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("reading fixed target: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("target does not match source after fix")
	}

	// a second round against the now-correct destination must report no
	// change, and must accept the same recorded checksum.
	changed, err = Path(passthroughPolicy{}, orig, target, slot)
	if err != nil {
		t.Fatalf("second Path: %v", err)
	}
	if changed {
		t.Fatalf("expected convergence on the second round")
	}
}

func TestFixFileTruncatesOverlongDestination(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "orig")
	target := filepath.Join(dir, "target")

	content := make([]byte, 4097)
	for i := range content {
		content[i] = byte(i)
	}
	writeFile(t, orig, content)
	writeFile(t, target, make([]byte, 8192))

	slot := checksum.NewEmptySlot()
	changed, err := Path(passthroughPolicy{}, orig, target, slot)
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if !changed {
		t.Fatalf("expected truncation to count as a change")
	}

	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat target: %v", err)
	}
	if info.Size() != int64(len(content)) {
		t.Fatalf("target size = %d, want %d", info.Size(), len(content))
	}
}

func TestFixDirectoryRemovesExtraEntry(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "orig")
	target := filepath.Join(dir, "target")
	if err := os.Mkdir(orig, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(target, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(orig, "a"), []byte("a"))
	writeFile(t, filepath.Join(target, "a"), []byte("a"))
	writeFile(t, filepath.Join(target, "extra"), []byte("should be removed"))

	slot := checksum.NewEmptySlot()
	changed, err := Path(passthroughPolicy{}, orig, target, slot)
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if !changed {
		t.Fatalf("expected removal of the extra entry to count as a change")
	}
	if _, err := os.Lstat(filepath.Join(target, "extra")); !os.IsNotExist(err) {
		t.Fatalf("expected extra entry to be removed, stat error = %v", err)
	}
	if _, err := os.Lstat(filepath.Join(target, "a")); err != nil {
		t.Fatalf("expected shared entry to survive: %v", err)
	}
}

func TestFixSymlinkOverwritesRegularFile(t *testing.T) {
	dir := t.TempDir()
	linkTarget := filepath.Join(dir, "payload")
	writeFile(t, linkTarget, []byte("payload"))

	orig := filepath.Join(dir, "orig-link")
	if err := os.Symlink(linkTarget, orig); err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(dir, "target")
	writeFile(t, target, []byte("a plain file, not a symlink"))

	slot := checksum.NewEmptySlot()
	changed, err := Path(passthroughPolicy{}, orig, target, slot)
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if !changed {
		t.Fatalf("expected replacing a regular file with a symlink to count as a change")
	}

	got, err := os.Readlink(target)
	if err != nil {
		t.Fatalf("expected target to become a symlink: %v", err)
	}
	if got != linkTarget {
		t.Fatalf("symlink target = %q, want %q", got, linkTarget)
	}
}

func TestFixDetectsSourceChangeAcrossRounds(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "orig")
	target := filepath.Join(dir, "target")
	writeFile(t, orig, []byte("round one"))
	writeFile(t, target, []byte("round one"))

	slot := checksum.NewEmptySlot()
	if _, err := Path(passthroughPolicy{}, orig, target, slot); err != nil {
		t.Fatalf("first round: %v", err)
	}

	writeFile(t, orig, []byte("a different length entirely"))
	if _, err := Path(passthroughPolicy{}, orig, target, slot); err == nil {
		t.Fatalf("expected a checksum mismatch error when the source changes between rounds")
	}
}
