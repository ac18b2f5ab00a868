// Package auth checks callers of mutating entry points against an owner set.
//
// A caller presents raw key material with every mutating call. The material
// is mapped to an Identity (a name-based UUID) and the call proceeds only if
// that identity is an owner. Issuing key material is out of scope.
package auth

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dreamware/subdb/internal/dberr"
)

// Identity names an owner.
type Identity string

var identityNamespace = uuid.MustParse("6f1c3c1e-8a51-4d5b-9e0a-2d7f4c5b1a90")

// IdentityOf derives the identity bound to key material. Equal material
// always yields the same identity.
func IdentityOf(keyMaterial []byte) Identity {
	return Identity(uuid.NewSHA1(identityNamespace, keyMaterial).String())
}

// Guard holds an owner set. The zero Guard has no owners and rejects every
// call.
type Guard struct {
	mu     sync.RWMutex
	owners map[Identity]struct{}
}

// NewGuard returns a guard admitting owners.
func NewGuard(owners ...Identity) *Guard {
	g := &Guard{}
	g.Set(owners)
	return g
}

// Check returns dberr.ErrUnauthorized unless keyMaterial maps to an owner.
// It never blocks on anything but the guard's own lock.
func (g *Guard) Check(keyMaterial []byte) error {
	id := IdentityOf(keyMaterial)
	g.mu.RLock()
	_, ok := g.owners[id]
	g.mu.RUnlock()
	if !ok {
		return errors.Wrapf(dberr.ErrUnauthorized, "caller %s", id)
	}
	return nil
}

// Set replaces the owner set.
func (g *Guard) Set(owners []Identity) {
	m := make(map[Identity]struct{}, len(owners))
	for _, o := range owners {
		m[o] = struct{}{}
	}
	g.mu.Lock()
	g.owners = m
	g.mu.Unlock()
}

// Owners returns the owner set in sorted order.
func (g *Guard) Owners() []Identity {
	g.mu.RLock()
	out := make([]Identity, 0, len(g.owners))
	for o := range g.owners {
		out = append(out, o)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings converts identities to their wire form.
func Strings(ids []Identity) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// Identities converts wire strings to identities.
func Identities(ss []string) []Identity {
	out := make([]Identity, len(ss))
	for i, s := range ss {
		out[i] = Identity(s)
	}
	return out
}
