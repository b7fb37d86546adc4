package util

import (
	"slices"
	"strings"
)

// ParseScope splits a space-delimited scope parameter (RFC 6749 section 3.3)
// into its individual values. Duplicates are dropped and the first-seen order
// is kept. An empty or whitespace-only string yields nil.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// JoinScopes renders scopes in their space-delimited wire form.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ScopesSubset reports whether every scope in requested is in allowed.
// An empty requested set is always a subset.
func ScopesSubset(requested, allowed []string) bool {
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			return false
		}
	}
	return true
}

// MissingScopes returns the scopes in requested that are absent from granted,
// preserving the order of requested.
func MissingScopes(requested, granted []string) []string {
	var missing []string
	for _, s := range requested {
		if !slices.Contains(granted, s) {
			missing = append(missing, s)
		}
	}
	return missing
}

// UnionScopes returns a sorted set containing every scope from a and b.
func UnionScopes(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	slices.Sort(out)
	return slices.Compact(out)
}

// IntersectScopes returns the scopes of a that also appear in b, in the order of a.
func IntersectScopes(a, b []string) []string {
	var out []string
	for _, s := range a {
		if slices.Contains(b, s) && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// RemoveScope returns scopes without any occurrence of scope.
func RemoveScope(scopes []string, scope string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s != scope {
			out = append(out, s)
		}
	}
	return out
}
