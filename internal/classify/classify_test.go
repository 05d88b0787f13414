package classify

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOfPathRegular(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	kind, err := OfPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if kind != Regular {
		t.Fatalf("expected Regular, got %v", kind)
	}
}

func TestOfPathDirectory(t *testing.T) {
	dir := t.TempDir()
	kind, err := OfPath(dir)
	if err != nil {
		t.Fatal(err)
	}
	if kind != Directory {
		t.Fatalf("expected Directory, got %v", kind)
	}
}

func TestOfPathSymlinkNotFollowed(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}
	kind, err := OfPath(link)
	if err != nil {
		t.Fatal(err)
	}
	if kind != Symlink {
		t.Fatalf("expected Symlink (non-following), got %v", kind)
	}
}

func TestOfPathNotFoundUnwrapped(t *testing.T) {
	dir := t.TempDir()
	_, err := OfPath(filepath.Join(dir, "missing"))
	if err == nil {
		t.Fatalf("expected an error for a missing path")
	}
	if !os.IsNotExist(err) {
		t.Fatalf("expected a not-exist error, got %v", err)
	}
}
