package graph

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/systemshift/graphdiff/internal/diff"
)

// ChangeSet is a batch of changes recorded on one branch at one point in time.
type ChangeSet struct {
	Branch        string              `json:"branch" yaml:"branch"`
	At            time.Time           `json:"at,omitempty" yaml:"at,omitempty"`
	Nodes         []NodeInput         `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	Relationships []RelationshipInput `json:"relationships,omitempty" yaml:"relationships,omitempty"`
}

// NodeInput records a change to one node and its attributes.
type NodeInput struct {
	ID         string           `json:"id" yaml:"id"`
	Kind       string           `json:"kind" yaml:"kind"`
	Action     diff.Action      `json:"action" yaml:"action"`
	Attributes []AttributeInput `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// AttributeInput records a change to one attribute.
type AttributeInput struct {
	ID         string          `json:"id,omitempty" yaml:"id,omitempty"`
	Name       string          `json:"name" yaml:"name"`
	Action     diff.Action     `json:"action" yaml:"action"`
	Properties []PropertyInput `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// PropertyInput records a change to one property of an attribute or an edge.
type PropertyInput struct {
	Type     string      `json:"type" yaml:"type"`
	Action   diff.Action `json:"action" yaml:"action"`
	Previous any         `json:"previous,omitempty" yaml:"previous,omitempty"`
	New      any         `json:"new,omitempty" yaml:"new,omitempty"`
}

// EndpointInput is one end of an edge.
type EndpointInput struct {
	ID   string `json:"id" yaml:"id"`
	Kind string `json:"kind" yaml:"kind"`
}

// RelationshipInput records a change to one relationship edge.
type RelationshipInput struct {
	ID          string          `json:"id,omitempty" yaml:"id,omitempty"`
	Identifier  string          `json:"identifier" yaml:"identifier"`
	Action      diff.Action     `json:"action" yaml:"action"`
	Source      EndpointInput   `json:"source" yaml:"source"`
	Destination EndpointInput   `json:"destination" yaml:"destination"`
	Properties  []PropertyInput `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Prepare validates cs, stamps it with now when At is unset and assigns ids
// to attributes and edges that have none.
func (cs *ChangeSet) Prepare(now time.Time) error {
	if cs.Branch == "" {
		return fmt.Errorf("%w: branch is required", ErrInvalidChangeSet)
	}
	if cs.At.IsZero() {
		cs.At = now
	}
	cs.At = cs.At.UTC()

	for i := range cs.Nodes {
		n := &cs.Nodes[i]
		if n.ID == "" || n.Kind == "" {
			return fmt.Errorf("%w: node #%d needs an id and a kind", ErrInvalidChangeSet, i)
		}
		if err := checkAction(n.Action); err != nil {
			return fmt.Errorf("node %s: %w", n.ID, err)
		}
		for j := range n.Attributes {
			a := &n.Attributes[j]
			if a.Name == "" {
				return fmt.Errorf("%w: node %s attribute #%d has no name", ErrInvalidChangeSet, n.ID, j)
			}
			if err := checkAction(a.Action); err != nil {
				return fmt.Errorf("node %s attribute %s: %w", n.ID, a.Name, err)
			}
			if a.ID == "" {
				a.ID = uuid.New().String()
			}
			if err := checkProperties(a.Properties); err != nil {
				return fmt.Errorf("node %s attribute %s: %w", n.ID, a.Name, err)
			}
		}
	}

	for i := range cs.Relationships {
		r := &cs.Relationships[i]
		if r.Identifier == "" || r.Source.ID == "" || r.Destination.ID == "" {
			return fmt.Errorf("%w: relationship #%d needs an identifier and both endpoints", ErrInvalidChangeSet, i)
		}
		if err := checkAction(r.Action); err != nil {
			return fmt.Errorf("relationship %s: %w", r.Identifier, err)
		}
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if err := checkProperties(r.Properties); err != nil {
			return fmt.Errorf("relationship %s: %w", r.ID, err)
		}
	}
	return nil
}

func checkAction(a diff.Action) error {
	switch a {
	case diff.ActionAdded, diff.ActionRemoved, diff.ActionUpdated:
		return nil
	}
	return fmt.Errorf("%w: action %q", ErrInvalidChangeSet, a)
}

func checkProperties(props []PropertyInput) error {
	for _, p := range props {
		if p.Type == "" {
			return fmt.Errorf("%w: property without a type", ErrInvalidChangeSet)
		}
		if err := checkAction(p.Action); err != nil {
			return fmt.Errorf("property %s: %w", p.Type, err)
		}
	}
	return nil
}
