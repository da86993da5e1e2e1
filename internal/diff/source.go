package diff

import (
	"context"
	"time"
)

// Property types carried by attribute and relationship change records.
const (
	PropertyValue     = "HAS_VALUE"
	PropertyProtected = "IS_PROTECTED"
	PropertyVisible   = "IS_VISIBLE"
	PropertySource    = "HAS_SOURCE"
	PropertyOwner     = "HAS_OWNER"
)

// Window selects the changes to compare: the branch under review, an optional
// time range and whether the default branch participates.
type Window struct {
	Branch     string
	From       time.Time
	To         time.Time
	BranchOnly bool
}

// PropertyRecord is one raw property change as returned by the store.
type PropertyRecord struct {
	Type      string
	Action    Action
	ChangedAt *time.Time
	Previous  any
	New       any
}

// AttributeChange is the raw change record of one attribute on one node.
type AttributeChange struct {
	ID         string
	Name       string
	Action     Action
	ChangedAt  *time.Time
	Properties []PropertyRecord
}

// NodeChange is the raw change record of one node on one branch.
type NodeChange struct {
	Branch     string
	Kind       string
	ID         string
	Action     Action
	ChangedAt  *time.Time
	Attributes []AttributeChange
}

// NodeRef identifies one endpoint of a relationship edge.
type NodeRef struct {
	ID   string
	Kind string
}

// RelationshipChange is the raw change record of one relationship edge on one branch.
type RelationshipChange struct {
	Branch     string
	ID         string
	Identifier string
	Action     Action
	ChangedAt  *time.Time
	Nodes      []NodeRef
	Properties []PropertyRecord
}

// Endpoint returns the endpoint with the given id.
func (r RelationshipChange) Endpoint(id string) (NodeRef, bool) {
	for _, n := range r.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeRef{}, false
}

// Peer returns the endpoint that is not nodeID. On a self-loop the peer is
// the node itself.
func (r RelationshipChange) Peer(nodeID string) (NodeRef, bool) {
	var self []NodeRef
	for _, n := range r.Nodes {
		if n.ID != nodeID {
			return n, true
		}
		self = append(self, n)
	}
	if len(self) > 1 {
		return self[0], true
	}
	return NodeRef{}, false
}

// ConflictChange is one branch's side of a conflict.
type ConflictChange struct {
	Branch    string     `json:"branch"`
	Action    Action     `json:"action"`
	ChangedAt *time.Time `json:"changed_at"`
	New       any        `json:"new,omitempty"`
}

// Conflict is a path modified on more than one branch within the window.
type Conflict struct {
	Type         string           `json:"type"`
	Kind         string           `json:"kind"`
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Path         string           `json:"path"`
	PathType     string           `json:"path_type"`
	PropertyName string           `json:"property_name"`
	Changes      []ConflictChange `json:"changes"`
}

// Source supplies the raw per-branch change records of a window.
// Results must be deterministic for identical windows: the engine relies on
// source order for its own output order.
type Source interface {
	Nodes(ctx context.Context, w Window) ([]NodeChange, error)
	Relationships(ctx context.Context, w Window) ([]RelationshipChange, error)
	Conflicts(ctx context.Context, w Window) ([]Conflict, error)
}

// LabelResolver renders human readable labels for nodes of one kind on one branch.
type LabelResolver interface {
	DisplayLabels(ctx context.Context, branch, kind string, ids []string) (map[string]string, error)
}

// Cardinality tells whether a relationship holds one peer or many.
type Cardinality string

const (
	CardinalityOne  Cardinality = "one"
	CardinalityMany Cardinality = "many"
)

// RelationshipSchema is the part of a relationship definition the engine needs.
type RelationshipSchema struct {
	Name        string
	Identifier  string
	Cardinality Cardinality
}

// ElementType returns the element type tag a relationship of this schema produces.
func (r RelationshipSchema) ElementType() ElementType {
	if r.Cardinality == CardinalityOne {
		return ElementRelationshipOne
	}
	return ElementRelationshipMany
}

// Schema resolves relationship identifiers for a node kind.
type Schema interface {
	RelationshipByIdentifier(branch, kind, identifier string) (RelationshipSchema, bool)
}
