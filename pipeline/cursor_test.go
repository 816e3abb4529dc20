package pipeline

import "testing"

func TestParseCursor(t *testing.T) {
	tests := []struct {
		name       string
		cursor     string
		wantOffset int
		wantSeed   string // "" means a fresh token is expected
	}{
		{name: "empty starts fresh", cursor: "", wantOffset: 0},
		{name: "zero starts fresh", cursor: "0", wantOffset: 0},
		{name: "valid cursor", cursor: "25:abc123", wantOffset: 25, wantSeed: "abc123"},
		{name: "missing separator", cursor: "junk", wantOffset: 0},
		{name: "non-numeric offset", cursor: "x:abc123", wantOffset: 0},
		{name: "negative offset", cursor: "-5:abc123", wantOffset: 0},
		{name: "empty seed token", cursor: "5:", wantOffset: 0},
		{name: "extra separators keep second field", cursor: "7:tok:rest", wantOffset: 7, wantSeed: "tok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offset, seed := ParseCursor(tt.cursor)
			if offset != tt.wantOffset {
				t.Errorf("offset = %d, want %d", offset, tt.wantOffset)
			}
			if tt.wantSeed != "" {
				if seed != tt.wantSeed {
					t.Errorf("seed = %q, want %q", seed, tt.wantSeed)
				}
				return
			}
			if len(seed) != 8 {
				t.Errorf("fresh seed = %q, want an 8-char token", seed)
			}
		})
	}
}

func TestParseCursor_FreshSeedsDiffer(t *testing.T) {
	_, s1 := ParseCursor("")
	_, s2 := ParseCursor("")
	if s1 == s2 {
		t.Errorf("two fresh sessions got the same seed token %q", s1)
	}
}

func TestNextCursor(t *testing.T) {
	if got := NextCursor(25, 5, "abc123"); got != "30:abc123" {
		t.Errorf("NextCursor() = %q, want %q", got, "30:abc123")
	}
	if got := NextCursor(0, 10, "tok"); got != "10:tok" {
		t.Errorf("NextCursor() = %q, want %q", got, "10:tok")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	_, seed := ParseCursor("")
	next := NextCursor(0, 5, seed)

	offset2, seed2 := ParseCursor(next)
	if offset2 != 5 {
		t.Errorf("second page offset = %d, want 5", offset2)
	}
	if seed2 != seed {
		t.Errorf("seed token changed across pages: %q -> %q", seed, seed2)
	}
	if SeedValue(seed2) != SeedValue(seed) {
		t.Error("seed value must be stable across pages")
	}
}

func TestSeedValue(t *testing.T) {
	if SeedValue("abc123") != SeedValue("abc123") {
		t.Error("SeedValue must be deterministic")
	}
	if SeedValue("abc123") == SeedValue("abc124") {
		t.Error("distinct tokens should hash to distinct seeds")
	}
}
