package cache

import "testing"

func TestRequireReadyPanicsBeforePermissionCheck(t *testing.T) {
	var s state
	defer func() {
		if recover() == nil {
			t.Fatalf("expected requireReady to panic before markReady was called")
		}
	}()
	s.requireReady("DropCache")
}

func TestRequireReadyAfterMarkReady(t *testing.T) {
	var s state
	s.markReady()
	s.requireReady("DropCache") // must not panic
}

func TestNewUnknownMode(t *testing.T) {
	if _, err := New(ModeName("bogus"), nil); err == nil {
		t.Fatalf("expected an error for an unknown mode")
	}
}
