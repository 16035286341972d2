package ident

import "sync"

// Interner deduplicates strings so that equal idents compare by pointer and
// hash cheaply. A process normally owns exactly one Interner; it is passed in
// explicitly rather than kept as a package global (see the scheduler's
// aversion to global mutable state).
type Interner struct {
	mu     sync.Mutex
	values map[string]*string
}

// NewInterner returns an empty Interner.
func NewInterner() *Interner {
	return &Interner{values: make(map[string]*string)}
}

// Intern returns the canonical, shared copy of s.
func (in *Interner) Intern(s string) *string {
	in.mu.Lock()
	defer in.mu.Unlock()
	if p, ok := in.values[s]; ok {
		return p
	}
	p := new(string)
	*p = s
	in.values[s] = p
	return p
}
