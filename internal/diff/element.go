package diff

import (
	"fmt"
	"time"
)

// AttributeDiff is one attribute of one node on one branch, with its value
// change split from its metadata property changes.
type AttributeDiff struct {
	ID         string
	Name       string
	Action     Action
	ChangedAt  *time.Time
	Value      *PropertyChange
	Properties []PropertyChange
	Summary    Summary
}

// BuildAttribute partitions the property changes of a raw attribute record.
// The summary counts each metadata property action plus the attribute's own action.
func BuildAttribute(branch string, rec AttributeChange) *AttributeDiff {
	attr := &AttributeDiff{
		ID:        rec.ID,
		Name:      rec.Name,
		Action:    rec.Action,
		ChangedAt: rec.ChangedAt,
	}
	for _, prop := range rec.Properties {
		change := NormalizeProperty(branch, prop)
		if change.Type == PropertyValue && attr.Value == nil {
			attr.Value = &change
			continue
		}
		attr.Properties = append(attr.Properties, change)
		attr.Summary.Inc(change.Action)
	}
	attr.Summary.Inc(attr.Action)
	return attr
}

// NodeElement is one named field of a NodeDiff.
type NodeElement struct {
	Type         ElementType
	Name         string
	Attribute    *AttributeDiff
	Relationship *RelationshipDiff
}

// NodeDiff collects the element diffs of one node on one branch.
type NodeDiff struct {
	Branch   string
	Kind     string
	ID       string
	Action   Action
	Elements []NodeElement
	Summary  Summary

	types map[string]ElementType
}

// NewNodeDiff starts an empty diff for one node on one branch.
func NewNodeDiff(branch, kind, id string, action Action) *NodeDiff {
	return &NodeDiff{
		Branch: branch,
		Kind:   kind,
		ID:     id,
		Action: action,
		types:  make(map[string]ElementType),
	}
}

// BuildNodeDiff builds the attribute elements of a raw node change record.
func BuildNodeDiff(rec NodeChange) (*NodeDiff, error) {
	nd := NewNodeDiff(rec.Branch, rec.Kind, rec.ID, rec.Action)
	for _, attr := range rec.Attributes {
		if err := nd.AddAttribute(BuildAttribute(rec.Branch, attr)); err != nil {
			return nil, err
		}
	}
	return nd, nil
}

func (nd *NodeDiff) claim(name string, typ ElementType) error {
	if existing, ok := nd.types[name]; ok && existing != typ {
		return fmt.Errorf("%w: node %s field %q is %s, got %s", ErrElementTypeMismatch, nd.ID, name, existing, typ)
	}
	nd.types[name] = typ
	return nil
}

// AddAttribute appends an attribute element and rolls its action into the node summary.
func (nd *NodeDiff) AddAttribute(attr *AttributeDiff) error {
	if err := nd.claim(attr.Name, ElementAttribute); err != nil {
		return err
	}
	nd.Elements = append(nd.Elements, NodeElement{Type: ElementAttribute, Name: attr.Name, Attribute: attr})
	nd.Summary.Inc(attr.Action)
	return nil
}

// AddRelationship appends a relationship element and rolls its action into the node summary.
func (nd *NodeDiff) AddRelationship(rel *RelationshipDiff) error {
	if err := nd.claim(rel.Name(), rel.Type()); err != nil {
		return err
	}
	nd.Elements = append(nd.Elements, NodeElement{Type: rel.Type(), Name: rel.Name(), Relationship: rel})
	nd.Summary.Inc(rel.Action())
	return nil
}
