// Package access implements the Access Controller: namespace-scoped read,
// write and delete permissions checked before any Mesh Store operation.
//
// The caller's identity travels in the context as a Principal. In-process
// callers that attach no principal are governed by the controller's default
// policy; remote callers get a principal from a verified JWT.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Permission is a bit set of namespace operations.
type Permission uint8

const (
	// Read allows get, exists and snapshot
	Read Permission = 1 << iota
	// Write allows set and compare-and-set
	Write
	// Delete allows delete and clear
	Delete

	// None grants nothing
	None Permission = 0
	// All grants every operation
	All = Read | Write | Delete
)

const (
	// RootScope is the grant key for the unqualified root namespace.
	// "~" is not a legal namespace character, so it never collides with a real namespace.
	RootScope = "~"
	// AnyScope is the wildcard grant key matching every namespace
	AnyScope = "*"
)

// ErrDenied is returned when the principal lacks the required permission
var ErrDenied = errors.New("access denied")

// String renders the permission set as a compact "rwd" string.
func (p Permission) String() string {
	var b strings.Builder
	if p&Read != 0 {
		b.WriteByte('r')
	}
	if p&Write != 0 {
		b.WriteByte('w')
	}
	if p&Delete != 0 {
		b.WriteByte('d')
	}
	if b.Len() == 0 {
		return "-"
	}
	return b.String()
}

// Has reports whether p includes every bit of required.
func (p Permission) Has(required Permission) bool {
	return p&required == required
}

// ParsePermission parses strings such as "r", "rw", "rwd", "*" or "-".
func ParsePermission(s string) (Permission, error) {
	switch s {
	case "*", "all":
		return All, nil
	case "", "-", "none":
		return None, nil
	}

	var p Permission
	for _, c := range s {
		switch c {
		case 'r':
			p |= Read
		case 'w':
			p |= Write
		case 'd':
			p |= Delete
		default:
			return None, fmt.Errorf("unknown permission %q in %q", c, s)
		}
	}
	return p, nil
}

// ScopeOf returns the grant key for a namespace.
func ScopeOf(namespace string) string {
	if namespace == "" {
		return RootScope
	}
	return namespace
}

// Principal is an authenticated caller.
type Principal struct {
	// ID identifies the caller in logs and tokens
	ID string

	// Admin principals bypass namespace grants
	Admin bool

	// Grants maps a scope (namespace, RootScope or AnyScope) to permissions
	Grants map[string]Permission
}

// Allows reports whether the principal may perform perm in namespace.
// An exact namespace grant takes precedence over the wildcard grant.
func (p *Principal) Allows(namespace string, perm Permission) bool {
	if p.Admin {
		return true
	}
	if granted, ok := p.Grants[ScopeOf(namespace)]; ok {
		return granted.Has(perm)
	}
	return p.Grants[AnyScope].Has(perm)
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal carried by ctx, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
