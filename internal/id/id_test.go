package id

import "testing"

func TestNewIsHexAndUnique(t *testing.T) {
	seen := make(map[string]struct{}, 256)
	for i := 0; i < 256; i++ {
		v := New()
		if len(v) != 32 {
			t.Fatalf("expected 32 characters, got %d (%q)", len(v), v)
		}
		for _, r := range v {
			if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
				t.Fatalf("expected lowercase hex, got %q", v)
			}
		}
		if _, dup := seen[v]; dup {
			t.Fatalf("duplicate id %q", v)
		}
		seen[v] = struct{}{}
	}

	if got := len(Short()); got != 16 {
		t.Fatalf("expected short id of 16 characters, got %d", got)
	}
}
