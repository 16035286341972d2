package ident

import "testing"

func TestParse(t *testing.T) {
	in := NewInterner()
	for _, tt := range []struct {
		s       string
		wantErr bool
	}{
		{s: "acme/make"},
		{s: "acme/make/4.2.1"},
		{s: "acme/make/4.2.1/20210101120000"},
		{s: "acme", wantErr: true},
		{s: "acme//4.2.1", wantErr: true},
		{s: "acme/make/4.2.1/20210101120000/extra", wantErr: true},
	} {
		id, err := Parse(in, tt.s)
		if (err != nil) != tt.wantErr {
			t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.s, err, tt.wantErr)
		}
		if err == nil && id.String() != tt.s {
			t.Fatalf("Parse(%q).String() = %q", tt.s, id.String())
		}
	}
}

func TestShortIdentAndFullyQualified(t *testing.T) {
	in := NewInterner()
	id, err := Parse(in, "acme/make/4.2.1/20210101120000")
	if err != nil {
		t.Fatal(err)
	}
	if !id.FullyQualified() {
		t.Fatalf("expected fully qualified")
	}
	short := id.ShortIdent()
	if short.String() != "acme/make" {
		t.Fatalf("ShortIdent() = %q, want acme/make", short.String())
	}
	if short.FullyQualified() {
		t.Fatalf("short ident must not be fully qualified")
	}
}

func TestInterningIsPointerEqual(t *testing.T) {
	in := NewInterner()
	a, err := Parse(in, "acme/make/4.2.1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Parse(in, "acme/make/4.2.1")
	if err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Fatalf("expected equal idents built from the same interner")
	}
}

func TestCompareVersions(t *testing.T) {
	for _, tt := range []struct {
		a, b string
		want int
	}{
		{"1.2.3", "1.2.3", 0},
		{"1.2.3", "1.2.4", -1},
		{"1.10.0", "1.9.0", 1}, // numeric-aware: 10 > 9
		{"1.2", "1.2.0", -1},  // shorter prefix is less
		{"1.2.0", "1.2", 1},
		{"1.2.rc1", "1.2.rc2", -1}, // lexicographic fallback
		{"2.0", "1.99", 1},
	} {
		got := CompareVersions(tt.a, tt.b)
		if got != tt.want {
			t.Errorf("CompareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestCompareIncomparable(t *testing.T) {
	in := NewInterner()
	a, _ := Parse(in, "acme/make/4.2.1")
	b, _ := Parse(in, "acme/bison/3.0")
	if _, err := Compare(a, b); err == nil {
		t.Fatalf("expected error comparing idents with different names")
	}
}

func TestCompareReleaseTieBreaker(t *testing.T) {
	in := NewInterner()
	a, _ := Parse(in, "acme/make/4.2.1/20210101120000")
	b, _ := Parse(in, "acme/make/4.2.1/20210102120000")
	c, err := Compare(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if c >= 0 {
		t.Fatalf("expected a < b by release, got %d", c)
	}
}
