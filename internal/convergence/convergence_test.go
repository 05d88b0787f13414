package convergence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/symphorien/cccp/internal/cache"
	"github.com/symphorien/cccp/internal/progress"
)

type passthroughPolicy struct {
	permissionChecks int
	dropCaches       int
}

func (p *passthroughPolicy) PermissionCheck(string) error {
	p.permissionChecks++
	return nil
}

func (p *passthroughPolicy) OpenNoCache(path string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(path, flag, perm)
}

func (p *passthroughPolicy) DropCache(string) (*cache.Replacement, error) {
	p.dropCaches++
	return nil, nil
}

func (p *passthroughPolicy) Name() string { return "test" }

func TestRunConvergesFreshCopy(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "source")
	dest := filepath.Join(dir, "dest")
	if err := os.WriteFile(source, []byte("hello, world"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := &passthroughPolicy{}
	err := Run(Options{
		Source:      source,
		Destination: dest,
		Policy:      p,
		Progress:    progress.Discard{},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil || string(got) != "hello, world" {
		t.Fatalf("dest content = %q, %v", got, err)
	}
	if p.permissionChecks != 1 {
		t.Fatalf("expected exactly one PermissionCheck, got %d", p.permissionChecks)
	}
	// a fresh copy converges in the very first round: DropCache runs once,
	// the fix kernel reports no further change, and the loop exits.
	if p.dropCaches != 1 {
		t.Fatalf("expected exactly one DropCache round for an already-correct copy, got %d", p.dropCaches)
	}
}

// corruptOnFirstDropPolicy corrupts the destination the first time
// DropCache runs, simulating a cache-eviction round that reveals the
// destination differs from what was seeded — the only way the round loop
// itself (as opposed to initial obligation seeding) finds something to fix.
type corruptOnFirstDropPolicy struct {
	dropped int
}

func (*corruptOnFirstDropPolicy) PermissionCheck(string) error { return nil }

func (*corruptOnFirstDropPolicy) OpenNoCache(path string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(path, flag, perm)
}

func (p *corruptOnFirstDropPolicy) DropCache(path string) (*cache.Replacement, error) {
	p.dropped++
	if p.dropped == 1 {
		if err := os.WriteFile(path, []byte("corrupted between rounds"), 0o644); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (*corruptOnFirstDropPolicy) Name() string { return "test" }

func TestRunOnceFailsWhenNotConverged(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "source")
	dest := filepath.Join(dir, "dest")
	if err := os.WriteFile(source, []byte("hello, world"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := &corruptOnFirstDropPolicy{}
	err := Run(Options{
		Source:      source,
		Destination: dest,
		Policy:      p,
		Progress:    progress.Discard{},
		Once:        true,
	})
	if err == nil {
		t.Fatalf("expected --once to fail when a round reveals the destination still needs fixing")
	}
}
