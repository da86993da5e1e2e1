package diff

import (
	"encoding/json"
	"fmt"
	"time"
)

// ElementType tags the kind of field an element describes.
type ElementType string

const (
	ElementAttribute        ElementType = "Attribute"
	ElementRelationshipOne  ElementType = "RelationshipOne"
	ElementRelationshipMany ElementType = "RelationshipMany"
)

// ValuePair holds the before and after value of a property.
type ValuePair struct {
	New      any `json:"new"`
	Previous any `json:"previous"`
}

// PropertyChange is a branch-tagged property change. It is never modified
// after construction.
type PropertyChange struct {
	Branch    string     `json:"branch"`
	Type      string     `json:"type"`
	ChangedAt *time.Time `json:"changed_at"`
	Action    Action     `json:"action"`
	Value     ValuePair  `json:"value"`
}

// PropertyChangeCollection groups the changes of one addressable property.
type PropertyChangeCollection struct {
	Path    string           `json:"path"`
	Changes []PropertyChange `json:"changes"`
}

// PeerRef is a lightweight reference to the other end of a relationship.
type PeerRef struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	DisplayLabel string `json:"display_label"`
}

// PeerChange records the peer replacement of a single-peer relationship on one branch.
type PeerChange struct {
	Branch   string   `json:"branch"`
	New      *PeerRef `json:"new"`
	Previous *PeerRef `json:"previous"`
}

// PeerChangeCollection groups the peer changes of a single-peer relationship.
type PeerChangeCollection struct {
	Path    string       `json:"path"`
	Changes []PeerChange `json:"changes"`
}

// BranchAction pairs a branch with the action observed on it.
type BranchAction struct {
	Branch string `json:"branch"`
	Action Action `json:"action"`
}

// BranchLabel pairs a branch with the display label of a node on it.
type BranchLabel struct {
	Branch       string `json:"branch"`
	DisplayLabel string `json:"display_label"`
}

// AttributeElement is the cross-branch change of one attribute.
type AttributeElement struct {
	Branches   []string                           `json:"branches"`
	ID         string                             `json:"id"`
	Summary    Summary                            `json:"summary"`
	Action     Action                             `json:"action"`
	Value      *PropertyChangeCollection          `json:"value"`
	Properties Ordered[*PropertyChangeCollection] `json:"properties"`
}

// RelationshipOneElement is the cross-branch change of a single-peer relationship.
type RelationshipOneElement struct {
	ID         string                             `json:"id"`
	Identifier string                             `json:"identifier"`
	Branches   []string                           `json:"branches"`
	Summary    Summary                            `json:"summary"`
	Peer       *PeerChangeCollection              `json:"peer"`
	Properties Ordered[*PropertyChangeCollection] `json:"properties"`
	ChangedAt  *time.Time                         `json:"changed_at"`
	Action     []BranchAction                     `json:"action"`
}

// PeerDiffEntry is the cross-branch change of one peer of a multi-peer relationship.
type PeerDiffEntry struct {
	Branches   []string                           `json:"branches"`
	Peer       PeerRef                            `json:"peer"`
	Path       string                             `json:"path"`
	Properties Ordered[*PropertyChangeCollection] `json:"properties"`
	ChangedAt  *time.Time                         `json:"changed_at"`
	Actions    Ordered[Action]                    `json:"action"`
}

// RelationshipManyElement is the cross-branch change of a multi-peer relationship.
type RelationshipManyElement struct {
	Identifier string                  `json:"identifier"`
	Branches   []string                `json:"branches"`
	Summary    Summary                 `json:"summary"`
	Peers      Ordered[*PeerDiffEntry] `json:"peers"`
}

// Element is one named field of a diff entry. Exactly one of the change
// pointers is set, matching Type, which never changes once created.
type Element struct {
	Type ElementType
	Name string
	Path string

	Attribute        *AttributeElement
	RelationshipOne  *RelationshipOneElement
	RelationshipMany *RelationshipManyElement
}

func newElement(typ ElementType, nodeID, name string) *Element {
	el := &Element{
		Type: typ,
		Name: name,
		Path: fmt.Sprintf("data/%s/%s", nodeID, name),
	}
	switch typ {
	case ElementAttribute:
		el.Attribute = &AttributeElement{Branches: []string{}}
	case ElementRelationshipOne:
		el.RelationshipOne = &RelationshipOneElement{Branches: []string{}, Action: []BranchAction{}}
	case ElementRelationshipMany:
		el.RelationshipMany = &RelationshipManyElement{Branches: []string{}}
	}
	return el
}

// Summary returns the summary of whichever change the element carries.
func (e *Element) Summary() Summary {
	switch e.Type {
	case ElementAttribute:
		return e.Attribute.Summary
	case ElementRelationshipOne:
		return e.RelationshipOne.Summary
	case ElementRelationshipMany:
		return e.RelationshipMany.Summary
	}
	return Summary{}
}

// Branches returns the branches contributing to the element.
func (e *Element) Branches() []string {
	switch e.Type {
	case ElementAttribute:
		return e.Attribute.Branches
	case ElementRelationshipOne:
		return e.RelationshipOne.Branches
	case ElementRelationshipMany:
		return e.RelationshipMany.Branches
	}
	return nil
}

type elementJSON struct {
	Type   ElementType `json:"type"`
	Name   string      `json:"name"`
	Path   string      `json:"path"`
	Change any         `json:"change"`
}

// MarshalJSON emits the element with its type-specific change payload.
func (e *Element) MarshalJSON() ([]byte, error) {
	out := elementJSON{Type: e.Type, Name: e.Name, Path: e.Path}
	switch e.Type {
	case ElementAttribute:
		out.Change = e.Attribute
	case ElementRelationshipOne:
		out.Change = e.RelationshipOne
	case ElementRelationshipMany:
		out.Change = e.RelationshipMany
	default:
		return nil, fmt.Errorf("unknown element type %q", e.Type)
	}
	return json.Marshal(out)
}

// Entry is the unified view of one node across all compared branches.
type Entry struct {
	Kind         string            `json:"kind"`
	ID           string            `json:"id"`
	Path         string            `json:"path"`
	Elements     Ordered[*Element] `json:"elements"`
	Summary      Summary           `json:"summary"`
	Action       []BranchAction    `json:"action"`
	DisplayLabel []BranchLabel     `json:"display_label"`
}

func newEntry(id, kind string) *Entry {
	return &Entry{
		Kind:         kind,
		ID:           id,
		Path:         "data/" + id,
		Action:       []BranchAction{},
		DisplayLabel: []BranchLabel{},
	}
}

// ActionOn returns the first action recorded for branch.
func (e *Entry) ActionOn(branch string) (Action, bool) {
	for _, a := range e.Action {
		if a.Branch == branch {
			return a.Action, true
		}
	}
	return "", false
}

// LabelOn returns the display label recorded for branch.
func (e *Entry) LabelOn(branch string) string {
	for _, l := range e.DisplayLabel {
		if l.Branch == branch {
			return l.DisplayLabel
		}
	}
	return ""
}

// Payload is the result of one diff build. Conflicts are exposed next to
// the entries but are not part of the serialized payload.
type Payload struct {
	Diffs     []*Entry   `json:"diffs"`
	Conflicts []Conflict `json:"-"`
}

// EmptyPayload returns a payload without entries or conflicts.
func EmptyPayload() *Payload {
	return &Payload{Diffs: []*Entry{}, Conflicts: []Conflict{}}
}

// Entry returns the entry for node id, or nil.
func (p *Payload) Entry(id string) *Entry {
	for _, e := range p.Diffs {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func addBranch(branches []string, branch string) []string {
	for _, b := range branches {
		if b == branch {
			return branches
		}
	}
	return append(branches, branch)
}
