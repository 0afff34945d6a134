package domain

import "strings"

// ScopeSet is an ordered, de-duplicated set of OAuth scopes.
// Order of first occurrence is preserved so a provider's vocabulary keeps
// the order it was registered with.
type ScopeSet []string

// CapabilitySet is an ordered, de-duplicated set of tool capabilities
// (e.g. "send_message"). Capabilities are mapped to scopes by the provider.
type CapabilitySet []string

// NewScopeSet builds a ScopeSet, trimming blanks and dropping duplicates.
func NewScopeSet(items ...string) ScopeSet {
	return ScopeSet(normalize(items))
}

// NewCapabilitySet builds a CapabilitySet, trimming blanks and dropping duplicates.
func NewCapabilitySet(items ...string) CapabilitySet {
	return CapabilitySet(normalize(items))
}

// Contains reports whether s holds scope.
func (s ScopeSet) Contains(scope string) bool {
	return contains(s, scope)
}

// IsSubsetOf reports whether every scope in s is in other.
func (s ScopeSet) IsSubsetOf(other ScopeSet) bool {
	return IsSubset(s, other)
}

// Union returns s followed by the members of other not already in s.
func (s ScopeSet) Union(other ScopeSet) ScopeSet {
	out := make([]string, 0, len(s)+len(other))
	out = append(out, s...)
	out = append(out, other...)
	return ScopeSet(normalize(out))
}

// Missing returns the members of s that are not in other.
func (s ScopeSet) Missing(other ScopeSet) []string {
	return missing(s, other)
}

// Contains reports whether c holds capability.
func (c CapabilitySet) Contains(capability string) bool {
	return contains(c, capability)
}

// IsSubsetOf reports whether every capability in c is in other.
func (c CapabilitySet) IsSubsetOf(other CapabilitySet) bool {
	return IsSubset(c, other)
}

// Missing returns the members of c that are not in other.
func (c CapabilitySet) Missing(other CapabilitySet) []string {
	return missing(c, other)
}

// IsSubset reports whether sub ⊆ super. The empty set is a subset of everything.
func IsSubset[S ~[]string](sub, super S) bool {
	return len(missing(sub, super)) == 0
}

func normalize(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func contains[S ~[]string](s S, item string) bool {
	for _, v := range s {
		if v == item {
			return true
		}
	}
	return false
}

func missing[S ~[]string](sub, super S) []string {
	index := make(map[string]struct{}, len(super))
	for _, v := range super {
		index[v] = struct{}{}
	}
	var out []string
	for _, v := range sub {
		if _, ok := index[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}
