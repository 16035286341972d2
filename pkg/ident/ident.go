// Package ident implements the canonical package identifier described in
// the core's data model: origin/name[/version[/release]], with
// numeric-aware version ordering and process-wide string interning so that
// idents are cheap to copy, hash, and compare.
package ident

import (
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// Target is an opaque tag identifying a build platform, e.g. "amd64-linux".
// Packages and dependency edges never cross targets.
type Target string

// Ident is a package identifier. The zero value is not valid; construct one
// with Parse or New.
type Ident struct {
	origin  *string
	name    *string
	version *string // nil if unset
	release *string // nil if unset
}

// New interns the four components of an ident. version and release may be
// empty to indicate "unset".
func New(in *Interner, origin, name, version, release string) Ident {
	id := Ident{
		origin: in.Intern(origin),
		name:   in.Intern(name),
	}
	if version != "" {
		id.version = in.Intern(version)
	}
	if release != "" {
		id.release = in.Intern(release)
	}
	return id
}

// Parse parses origin/name[/version[/release]], rejecting empty segments.
func Parse(in *Interner, s string) (Ident, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 4 {
		return Ident{}, xerrors.Errorf("parse ident %q: want 2-4 slash-separated segments, got %d", s, len(parts))
	}
	for _, p := range parts {
		if p == "" {
			return Ident{}, xerrors.Errorf("parse ident %q: empty segment", s)
		}
	}
	var version, release string
	if len(parts) > 2 {
		version = parts[2]
	}
	if len(parts) > 3 {
		release = parts[3]
	}
	return New(in, parts[0], parts[1], version, release), nil
}

func (id Ident) Origin() string { return *id.origin }
func (id Ident) Name() string   { return *id.name }

// Version returns the version component and whether it is set.
func (id Ident) Version() (string, bool) {
	if id.version == nil {
		return "", false
	}
	return *id.version, true
}

// Release returns the release component and whether it is set.
func (id Ident) Release() (string, bool) {
	if id.release == nil {
		return "", false
	}
	return *id.release, true
}

// ShortIdent returns a copy of id with version and release stripped.
func (id Ident) ShortIdent() Ident {
	return Ident{origin: id.origin, name: id.name}
}

// FullyQualified reports whether both version and release are present.
func (id Ident) FullyQualified() bool {
	return id.version != nil && id.release != nil
}

// String renders the short form (origin/name) when version and release are
// unset, and the fully-qualified form otherwise.
func (id Ident) String() string {
	var b strings.Builder
	b.WriteString(*id.origin)
	b.WriteByte('/')
	b.WriteString(*id.name)
	if id.version != nil {
		b.WriteByte('/')
		b.WriteString(*id.version)
	}
	if id.release != nil {
		b.WriteByte('/')
		b.WriteString(*id.release)
	}
	return b.String()
}

// Equal reports pointer-equality of the interned components, which is valid
// as long as both idents were produced by the same Interner.
func (id Ident) Equal(other Ident) bool {
	return id.origin == other.origin && id.name == other.name &&
		id.version == other.version && id.release == other.release
}

// sameName reports whether id and other share origin and name.
func sameName(a, b Ident) bool {
	return a.origin == b.origin && a.name == b.name
}

// CompareVersions implements the scheme from the data model: split on '.',
// compare segment-wise; each segment compares numerically if both sides are
// all digits, otherwise lexicographically; a shorter prefix is less than a
// longer one when equal up to the common length.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		if c := compareSegment(as[i], bs[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	default:
		return 0
	}
}

func compareSegment(a, b string) int {
	if isAllDigits(a) && isAllDigits(b) {
		na, aerr := strconv.ParseUint(a, 10, 64)
		nb, berr := strconv.ParseUint(b, 10, 64)
		if aerr == nil && berr == nil {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(a, b)
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Compare orders two idents. Idents with different names are incomparable
// and Compare returns an error; otherwise version is compared first (via
// CompareVersions), release second (lexicographically, as a monotonic
// timestamp-like tie-breaker).
func Compare(a, b Ident) (int, error) {
	if !sameName(a, b) {
		return 0, xerrors.Errorf("compare %v and %v: different package names, incomparable", a, b)
	}
	av, aok := a.Version()
	bv, bok := b.Version()
	switch {
	case aok && bok:
		if c := CompareVersions(av, bv); c != 0 {
			return c, nil
		}
	case aok != bok:
		if aok {
			return 1, nil
		}
		return -1, nil
	}
	ar, aok := a.Release()
	br, bok := b.Release()
	switch {
	case aok && bok:
		return strings.Compare(ar, br), nil
	case aok != bok:
		if aok {
			return 1, nil
		}
		return -1, nil
	}
	return 0, nil
}
