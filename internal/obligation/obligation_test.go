package obligation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/symphorien/cccp/internal/cache"
)

type passthroughPolicy struct{}

func (passthroughPolicy) PermissionCheck(string) error { return nil }

func (passthroughPolicy) OpenNoCache(path string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(path, flag, perm)
}

func (passthroughPolicy) DropCache(string) (*cache.Replacement, error) { return nil, nil }

func (passthroughPolicy) Name() string { return "test" }

func TestBuildSeedsFreshDestinationTree(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "source")
	dest := filepath.Join(dir, "dest")

	if err := os.MkdirAll(filepath.Join(source, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "a"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "sub", "b"), []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}

	obligations, err := Build(passthroughPolicy{}, source, dest)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(obligations) != 4 {
		t.Fatalf("got %d obligations, want 4 (source dir, a, sub, sub/b)", len(obligations))
	}

	for _, want := range []string{"a", "sub", filepath.Join("sub", "b")} {
		p := filepath.Join(dest, want)
		if _, err := os.Lstat(p); err != nil {
			t.Fatalf("expected %s to be seeded: %v", p, err)
		}
	}

	got, err := os.ReadFile(filepath.Join(dest, "a"))
	if err != nil || string(got) != "a" {
		t.Fatalf("seeded file content = %q, %v", got, err)
	}
}

func TestBuildDoesNotSkipEntriesAfterASymlink(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "source")
	dest := filepath.Join(dir, "dest")

	if err := os.MkdirAll(source, 0o755); err != nil {
		t.Fatal(err)
	}
	// "a_link" sorts before "b_file" within the same directory: a buggy walk
	// that returns filepath.SkipDir upon seeing a symlink would (per the
	// WalkFunc contract) skip every remaining entry in this directory,
	// silently dropping "b_file" from the obligation set.
	if err := os.Symlink("/nonexistent-target", filepath.Join(source, "a_link")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(source, "b_file"), []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}

	obligations, err := Build(passthroughPolicy{}, source, dest)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(obligations) != 3 {
		t.Fatalf("got %d obligations, want 3 (source dir, a_link, b_file)", len(obligations))
	}

	if _, err := os.Lstat(filepath.Join(dest, "b_file")); err != nil {
		t.Fatalf("expected b_file to be seeded despite sorting after a symlink: %v", err)
	}
	if target, err := os.Readlink(filepath.Join(dest, "a_link")); err != nil || target != "/nonexistent-target" {
		t.Fatalf("expected a_link to be seeded as a symlink: target=%q, err=%v", target, err)
	}
}

func TestBuildFixesPreexistingDestination(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "source")
	dest := filepath.Join(dir, "dest")

	if err := os.WriteFile(source, []byte("correct content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest, []byte("stale garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	obligations, err := Build(passthroughPolicy{}, source, dest)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(obligations) != 1 {
		t.Fatalf("got %d obligations, want 1", len(obligations))
	}

	got, err := os.ReadFile(dest)
	if err != nil || string(got) != "correct content" {
		t.Fatalf("destination not repaired during seeding: %q, %v", got, err)
	}
}

func TestRewriteOnlyTouchesMatchingPrefix(t *testing.T) {
	obligations := []*Obligation{
		{Destination: filepath.Join("/mnt/old", "a")},
		{Destination: filepath.Join("/mnt/old", "sub", "b")},
		{Destination: "/unrelated/c"},
	}
	Rewrite(obligations, "/mnt/old", "/mnt/new")

	if obligations[0].Destination != filepath.Join("/mnt/new", "a") {
		t.Fatalf("obligation 0 = %s", obligations[0].Destination)
	}
	if obligations[1].Destination != filepath.Join("/mnt/new", "sub", "b") {
		t.Fatalf("obligation 1 = %s", obligations[1].Destination)
	}
	if obligations[2].Destination != "/unrelated/c" {
		t.Fatalf("unrelated obligation was rewritten: %s", obligations[2].Destination)
	}
}

func TestTotalSize(t *testing.T) {
	obligations := []*Obligation{{Size: 10}, {Size: 5}, {Size: 0}}
	if got := TotalSize(obligations); got != 15 {
		t.Fatalf("TotalSize = %d, want 15", got)
	}
}
