package model

import (
	"fmt"
	"slices"
)

// Domain groups records that share one status graph.
type Domain string

// Known record domains.
const (
	DomainApplication Domain = "application"
	DomainVehicle     Domain = "vehicle"
	DomainBenefit     Domain = "benefit"
)

// Status is the lifecycle state of a record within its domain.
type Status string

// Statuses across all domains. Each domain uses a subset, see graphs.
const (
	StatusDraft       Status = "Draft"
	StatusSubmitted   Status = "Submitted"
	StatusUnderReview Status = "UnderReview"
	StatusApproved    Status = "Approved"
	StatusRejected    Status = "Rejected"
	StatusCompleted   Status = "Completed"
	StatusInspection  Status = "Inspection"
	StatusRegistered  Status = "Registered"
	StatusAssessment  Status = "Assessment"
	StatusEnrolled    Status = "Enrolled"
	StatusIneligible  Status = "Ineligible"
)

// StatusGraph is the directed transition graph of one domain. Statuses
// without outgoing edges are terminal.
type StatusGraph struct {
	domain   Domain
	initial  Status
	statuses []Status
	edges    map[Status][]Status
}

// General applications:
//
//	Draft ──► Submitted ──► UnderReview ──► Approved ──► Completed
//	                                   └──► Rejected
//
// Vehicle registrations:
//
//	Submitted ──► Inspection ──► Registered ──► Completed
//	                        └──► Rejected
//
// Social security benefits:
//
//	Submitted ──► Assessment ──► Enrolled ──► Completed
//	                        └──► Ineligible
var graphs = map[Domain]StatusGraph{
	DomainApplication: {
		domain:   DomainApplication,
		initial:  StatusSubmitted,
		statuses: []Status{StatusDraft, StatusSubmitted, StatusUnderReview, StatusApproved, StatusRejected, StatusCompleted},
		edges: map[Status][]Status{
			StatusDraft:       {StatusSubmitted},
			StatusSubmitted:   {StatusUnderReview},
			StatusUnderReview: {StatusApproved, StatusRejected},
			StatusApproved:    {StatusCompleted},
		},
	},
	DomainVehicle: {
		domain:   DomainVehicle,
		initial:  StatusSubmitted,
		statuses: []Status{StatusSubmitted, StatusInspection, StatusRegistered, StatusRejected, StatusCompleted},
		edges: map[Status][]Status{
			StatusSubmitted:  {StatusInspection},
			StatusInspection: {StatusRegistered, StatusRejected},
			StatusRegistered: {StatusCompleted},
		},
	},
	DomainBenefit: {
		domain:   DomainBenefit,
		initial:  StatusSubmitted,
		statuses: []Status{StatusSubmitted, StatusAssessment, StatusEnrolled, StatusIneligible, StatusCompleted},
		edges: map[Status][]Status{
			StatusSubmitted:  {StatusAssessment},
			StatusAssessment: {StatusEnrolled, StatusIneligible},
			StatusEnrolled:   {StatusCompleted},
		},
	},
}

// Domains returns every known domain.
func Domains() []Domain {
	return []Domain{DomainApplication, DomainVehicle, DomainBenefit}
}

// Valid reports whether d is a known domain.
func (d Domain) Valid() bool {
	_, ok := graphs[d]
	return ok
}

// GraphFor returns the status graph of a domain.
func GraphFor(d Domain) (StatusGraph, bool) {
	g, ok := graphs[d]
	return g, ok
}

// Domain returns the graph's domain.
func (g StatusGraph) Domain() Domain { return g.domain }

// Initial returns the status a record enters on submission.
func (g StatusGraph) Initial() Status { return g.initial }

// Statuses returns the domain's statuses in lifecycle order.
func (g StatusGraph) Statuses() []Status { return slices.Clone(g.statuses) }

// Has reports whether s belongs to the domain.
func (g StatusGraph) Has(s Status) bool { return slices.Contains(g.statuses, s) }

// Next returns the statuses reachable from s in one step.
func (g StatusGraph) Next(s Status) []Status { return slices.Clone(g.edges[s]) }

// IsTerminal reports whether s has no outgoing transitions.
func (g StatusGraph) IsTerminal(s Status) bool { return len(g.edges[s]) == 0 }

// Allows reports whether moving from → to is a single edge of the graph.
func (g StatusGraph) Allows(from, to Status) bool {
	return slices.Contains(g.edges[from], to)
}

// ParseStatus converts a raw string to a Status of the given domain.
func ParseStatus(d Domain, s string) (Status, error) {
	g, ok := graphs[d]
	if !ok {
		return "", fmt.Errorf("unknown domain %q", d)
	}
	st := Status(s)
	if !g.Has(st) {
		return "", fmt.Errorf("unknown %s status %q", d, s)
	}
	return st, nil
}

// FeeStatus is the payment state of a record's fee.
type FeeStatus string

// Fee statuses.
const (
	FeeUnpaid FeeStatus = "Unpaid"
	FeePaid   FeeStatus = "Paid"
	FeeWaived FeeStatus = "Waived"
)

var feeTransitions = map[FeeStatus][]FeeStatus{
	FeeUnpaid: {FeePaid, FeeWaived},
}

// IsFeeTransitionAllowed reports whether a fee may move from → to.
func IsFeeTransitionAllowed(from, to FeeStatus) bool {
	return slices.Contains(feeTransitions[from], to)
}
