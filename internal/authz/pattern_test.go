package authz

import "testing"

func TestParsePatternRejectsEmpty(t *testing.T) {
	if _, err := ParsePattern(""); err == nil {
		t.Fatal("expected error for empty pattern")
	}
	if _, err := ParsePattern("   "); err == nil {
		t.Fatal("expected error for blank pattern")
	}
	if _, err := ParsePattern("orders::read"); err == nil {
		t.Fatal("expected error for empty segment")
	}
}

func TestPatternMatches(t *testing.T) {
	cases := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"orders", "orders", true},
		{"orders", "invoices", false},
		{"orders", "orders:123", false},
		{"orders:*", "orders:123", true},
		{"orders:*", "orders", false},
		{"orders:*", "orders:123:lines", true}, // trailing * accepts any suffix
		{"orders:*:lines", "orders:123:lines", true},
		{"orders:*:lines", "orders:123:headers", false},
		{"orders:**", "orders", true},
		{"orders:**", "orders:123:lines:4", true},
		{"**", "anything:at:all", true},
		{"**:read", "a:b:read", true},
		{"**:read", "read", true},
		{"**:read", "a:b:write", false},
		{"Orders", "orders", false}, // case-sensitive
	}
	for _, tc := range cases {
		p := MustParsePattern(tc.pattern)
		if got := p.Matches(tc.value); got != tc.want {
			t.Errorf("pattern %q value %q: got %v want %v", tc.pattern, tc.value, got, tc.want)
		}
	}
}

func TestZeroPatternNeverMatches(t *testing.T) {
	var p Pattern
	if p.Matches("anything") {
		t.Fatal("zero pattern must not match")
	}
}

func TestMatchesSubject(t *testing.T) {
	subject := Subject{UserID: "u-42", Roles: []string{"admin", "auditor"}}

	cases := []struct {
		pattern string
		want    bool
	}{
		{"user:u-42", true},
		{"user:u-43", false},
		{"role:admin", true},
		{"role:viewer", false},
		{"role:*", true},
		{"user:*", true},
		{"**", true},
	}
	for _, tc := range cases {
		patterns := []Pattern{MustParsePattern(tc.pattern)}
		if got := matchesSubject(patterns, subject); got != tc.want {
			t.Errorf("subject pattern %q: got %v want %v", tc.pattern, got, tc.want)
		}
	}

	// A subject with no user id and no roles matches nothing.
	if matchesSubject([]Pattern{MustParsePattern("**")}, Subject{}) {
		t.Fatal("empty subject must not match")
	}
}
