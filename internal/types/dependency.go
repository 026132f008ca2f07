package types

import "time"

// DependencyType categorizes the relationship between two elements.
type DependencyType string

// Dependency type constants, grouped by family.
const (
	// Blocking family (participates in cycle detection and readiness)
	DepBlocks      DependencyType = "blocks"
	DepParentChild DependencyType = "parent-child"
	DepAwaits      DependencyType = "awaits"

	// Associative family
	DepRelatesTo  DependencyType = "relates-to"
	DepReferences DependencyType = "references"
	DepSupersedes DependencyType = "supersedes"
	DepDuplicates DependencyType = "duplicates"
	DepCausedBy   DependencyType = "caused-by"
	DepValidates  DependencyType = "validates"
	DepMentions   DependencyType = "mentions"

	// Attribution family
	DepAuthoredBy DependencyType = "authored-by"
	DepAssignedTo DependencyType = "assigned-to"
	DepApprovedBy DependencyType = "approved-by"

	// Threading family
	DepRepliesTo DependencyType = "replies-to"
)

// DependencyFamily groups dependency types by their semantics.
type DependencyFamily string

// Dependency family constants
const (
	FamilyBlocking    DependencyFamily = "blocking"
	FamilyAssociative DependencyFamily = "associative"
	FamilyAttribution DependencyFamily = "attribution"
	FamilyThreading   DependencyFamily = "threading"
)

// Family returns the family the dependency type belongs to, or "" for
// unknown types.
func (d DependencyType) Family() DependencyFamily {
	switch d {
	case DepBlocks, DepParentChild, DepAwaits:
		return FamilyBlocking
	case DepRelatesTo, DepReferences, DepSupersedes, DepDuplicates,
		DepCausedBy, DepValidates, DepMentions:
		return FamilyAssociative
	case DepAuthoredBy, DepAssignedTo, DepApprovedBy:
		return FamilyAttribution
	case DepRepliesTo:
		return FamilyThreading
	}
	return ""
}

// IsValid checks if the dependency type is one of the closed set.
func (d DependencyType) IsValid() bool {
	return d.Family() != ""
}

// AffectsReadiness returns true if this dependency type blocks work. Only
// the blocking family participates in cycle detection and readiness.
func (d DependencyType) AffectsReadiness() bool {
	return d.Family() == FamilyBlocking
}

// Symmetric reports whether the edge is semantically unordered. Symmetric
// edges are canonicalized so the lexicographically smaller id is stored as
// the blocked side.
func (d DependencyType) Symmetric() bool {
	return d == DepRelatesTo
}

// Dependency is a directed edge: Blocked waits on Blocker.
type Dependency struct {
	BlockedID string         `json:"blocked_id"`
	BlockerID string         `json:"blocker_id"`
	Type      DependencyType `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
	CreatedBy string         `json:"created_by,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	// Gate is set on awaits edges only.
	Gate *Gate `json:"gate,omitempty"`
	// Validation is set on validates edges only.
	Validation *ValidationInfo `json:"validation,omitempty"`
	// ThreadID groups replies-to edges by conversation root.
	ThreadID string `json:"thread_id,omitempty"`
}

// Canonicalize normalizes symmetric edges in place so the smaller id sits on
// the blocked side. Queries must probe both orderings.
func (d *Dependency) Canonicalize() {
	if d.Type.Symmetric() && d.BlockedID > d.BlockerID {
		d.BlockedID, d.BlockerID = d.BlockerID, d.BlockedID
	}
}

// Validate checks edge invariants.
func (d *Dependency) Validate() error {
	if err := ValidateID(d.BlockedID); err != nil {
		return err
	}
	if err := ValidateID(d.BlockerID); err != nil {
		return err
	}
	if d.BlockedID == d.BlockerID {
		return E(KindConstraint, "self-dependency not allowed: %s", d.BlockedID)
	}
	if !d.Type.IsValid() {
		return E(KindInvalidInput, "invalid dependency type: %s", d.Type)
	}
	if d.Type == DepAwaits {
		if d.Gate == nil {
			return E(KindMissingRequiredField, "awaits edges require a gate")
		}
		if err := d.Gate.Validate(); err != nil {
			return err
		}
	} else if d.Gate != nil {
		return E(KindConstraint, "gate metadata only valid on awaits edges")
	}
	if d.Type == DepValidates {
		if d.Validation == nil {
			return E(KindMissingRequiredField, "validates edges require validation info")
		}
		if err := d.Validation.Validate(); err != nil {
			return err
		}
	} else if d.Validation != nil {
		return E(KindConstraint, "validation info only valid on validates edges")
	}
	return nil
}

// GateType selects the unblocking condition of an awaits edge.
type GateType string

// Gate type constants
const (
	GateTimer    GateType = "timer"
	GateApproval GateType = "approval"
	GateExternal GateType = "external"
	GateWebhook  GateType = "webhook"
)

// IsValid checks if the gate type value is valid.
func (g GateType) IsValid() bool {
	switch g {
	case GateTimer, GateApproval, GateExternal, GateWebhook:
		return true
	}
	return false
}

// Gate is the unblocking condition attached to an awaits edge.
type Gate struct {
	Type GateType `json:"type"`

	// Timer gates unblock once the current time reaches WaitUntil.
	WaitUntil *time.Time `json:"wait_until,omitempty"`

	// Approval gates unblock once ApprovalCount distinct members of
	// RequiredApprovers appear in Approvals.
	RequiredApprovers []string `json:"required_approvers,omitempty"`
	ApprovalCount     int      `json:"approval_count,omitempty"`
	Approvals         []string `json:"approvals,omitempty"`

	// External/webhook gates unblock when the sentinel arrives.
	ExternalSystem string `json:"external_system,omitempty"`
	WebhookID      string `json:"webhook_id,omitempty"`
	Satisfied      bool   `json:"satisfied,omitempty"`
}

// Validate checks gate payload constraints.
func (g *Gate) Validate() error {
	if !g.Type.IsValid() {
		return E(KindInvalidInput, "invalid gate type: %s", g.Type)
	}
	switch g.Type {
	case GateTimer:
		if g.WaitUntil == nil {
			return E(KindMissingRequiredField, "timer gates require wait_until")
		}
	case GateApproval:
		if len(g.RequiredApprovers) == 0 {
			return E(KindMissingRequiredField, "approval gates require required_approvers")
		}
		if g.ApprovalCount < 1 || g.ApprovalCount > len(g.RequiredApprovers) {
			return E(KindConstraint, "approval_count must be between 1 and %d (got %d)",
				len(g.RequiredApprovers), g.ApprovalCount)
		}
	case GateExternal:
		if g.ExternalSystem == "" {
			return E(KindMissingRequiredField, "external gates require external_system")
		}
	case GateWebhook:
		if g.WebhookID == "" {
			return E(KindMissingRequiredField, "webhook gates require webhook_id")
		}
	}
	return nil
}

// Open reports whether the gate still blocks at the given instant.
func (g *Gate) Open(now time.Time) bool {
	return !g.SatisfiedAt(now)
}

// SatisfiedAt reports whether the gate's condition holds at the given instant.
func (g *Gate) SatisfiedAt(now time.Time) bool {
	switch g.Type {
	case GateTimer:
		return g.WaitUntil != nil && !now.Before(*g.WaitUntil)
	case GateApproval:
		return g.distinctApprovals() >= g.ApprovalCount
	case GateExternal, GateWebhook:
		return g.Satisfied
	}
	return false
}

// distinctApprovals counts recorded approvals from distinct required approvers.
func (g *Gate) distinctApprovals() int {
	required := make(map[string]bool, len(g.RequiredApprovers))
	for _, r := range g.RequiredApprovers {
		required[r] = true
	}
	seen := make(map[string]bool, len(g.Approvals))
	n := 0
	for _, a := range g.Approvals {
		if required[a] && !seen[a] {
			seen[a] = true
			n++
		}
	}
	return n
}

// ValidationResult is the outcome recorded on a validates edge.
type ValidationResult string

// Validation result constants
const (
	ValidationPass ValidationResult = "pass"
	ValidationFail ValidationResult = "fail"
)

// ValidationInfo is the payload carried by validates edges.
type ValidationInfo struct {
	TestType string           `json:"test_type"`
	Result   ValidationResult `json:"result"`
	Details  string           `json:"details,omitempty"`
}

// Validate checks validation payload constraints.
func (v *ValidationInfo) Validate() error {
	if v.TestType == "" {
		return E(KindMissingRequiredField, "validates edges require test_type")
	}
	if v.Result != ValidationPass && v.Result != ValidationFail {
		return E(KindInvalidInput, "invalid validation result: %s", v.Result)
	}
	return nil
}
