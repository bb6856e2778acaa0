package model

import "strings"

// Capabilities checked by the portal.
const (
	CapApplicationsSubmit  = "applications:submit"
	CapApplicationsReview  = "applications:review"
	CapApplicationsListAll = "applications:list:all"
	CapProfileManage       = "profile:manage"
)

// CapabilitySet is a set of capabilities granted to a caller. Keys are
// colon-separated strings such as "applications:review"; a trailing ":*"
// or a bare "*" acts as a wildcard.
type CapabilitySet map[string]bool

// Has returns true if the set contains cap exactly or through a wildcard.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if every capability is granted.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// HasAny returns true if at least one capability is granted.
func (cs CapabilitySet) HasAny(caps ...string) bool {
	for _, cap := range caps {
		if cs.Has(cap) {
			return true
		}
	}
	return false
}

// matchWildcard reports whether pattern covers cap.
//
//	"*"                 matches anything
//	"applications:*"    matches "applications:list:all"
//	"applications:list" matches only itself
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(cap, pattern[:len(pattern)-1])
}

// CapabilityResolver resolves the capability set of a caller.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)
	Invalidate(subjectID string)
}

// PolicyEvaluator maps a caller's roles to capabilities.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)
	Sync() error
}
