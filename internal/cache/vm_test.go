package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/symphorien/cccp/internal/environment"
)

func TestPageCacheManagerPermissionCheckNoRootOverride(t *testing.T) {
	t.Setenv("CCCP_NO_ROOT", "1")
	environment.Reload()
	t.Cleanup(environment.Reload)

	p := &PageCacheManager{}
	if err := p.PermissionCheck("/nonexistent"); err != nil {
		t.Fatalf("PermissionCheck with CCCP_NO_ROOT set: %v", err)
	}
}

func TestGlobalDropCacheSyncsRegularFile(t *testing.T) {
	t.Setenv("CCCP_NO_ROOT", "1")
	environment.Reload()
	t.Cleanup(environment.Reload)

	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := globalDropCache(path); err != nil {
		t.Fatalf("globalDropCache: %v", err)
	}
}
