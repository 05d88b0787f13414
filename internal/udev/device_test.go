package udev

import "testing"

func TestLeftpad3(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", "000"},
		{"1", "001"},
		{"12", "012"},
		{"123", "123"},
	}
	for _, c := range cases {
		got, err := leftpad3(c.in)
		if err != nil {
			t.Fatalf("leftpad3(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("leftpad3(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLeftpad3TooLong(t *testing.T) {
	if _, err := leftpad3("1234"); err == nil {
		t.Fatalf("expected an error for a 4-digit input")
	}
}

func TestGetUniqueZeroOneSeveral(t *testing.T) {
	if u := GetUnique([]int{}); !u.IsZero() {
		t.Fatalf("expected IsZero for an empty slice")
	}
	u := GetUnique([]int{7})
	if u.IsZero() || u.IsSeveral() {
		t.Fatalf("expected exactly one match")
	}
	if v, ok := u.One(); !ok || v != 7 {
		t.Fatalf("expected One() to return (7, true), got (%v, %v)", v, ok)
	}
	if u := GetUnique([]int{1, 2}); !u.IsSeveral() {
		t.Fatalf("expected IsSeveral for a 2-element slice")
	}
}
