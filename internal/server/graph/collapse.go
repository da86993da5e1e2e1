package graph

import (
	"fmt"
	"strings"
	"time"

	"github.com/systemshift/graphdiff/internal/diff"
)

// timeLayout sorts lexically in the same order as chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// propertyRow is one stored property change.
type propertyRow struct {
	Type      string
	Action    diff.Action
	Previous  any
	New       any
	ChangedAt time.Time
}

// nodeRow is one stored node change joined with at most one attribute change
// and one property change. Stores return rows ordered by branch priority,
// then time, then insertion.
type nodeRow struct {
	ChangeID  string
	Branch    string
	NodeID    string
	Kind      string
	Action    diff.Action
	ChangedAt time.Time

	AttrChangeID string
	AttrID       string
	AttrName     string
	AttrAction   diff.Action

	Prop *propertyRow
}

// relRow is one stored edge change joined with at most one property change.
type relRow struct {
	ChangeID    string
	Branch      string
	RelID       string
	Identifier  string
	Action      diff.Action
	ChangedAt   time.Time
	Source      diff.NodeRef
	Destination diff.NodeRef

	Prop *propertyRow
}

// collapseActions reduces the successive actions of one object in a window.
// Added then removed nets out to unchanged.
func collapseActions(actions []diff.Action) diff.Action {
	if len(actions) == 0 {
		return diff.ActionUnchanged
	}
	first, last := actions[0], actions[len(actions)-1]
	switch {
	case len(actions) == 1:
		return first
	case first == diff.ActionAdded && last == diff.ActionRemoved:
		return diff.ActionUnchanged
	case first == diff.ActionAdded:
		return diff.ActionAdded
	case last == diff.ActionRemoved:
		return diff.ActionRemoved
	}
	return diff.ActionUpdated
}

type propertyAcc struct {
	rec     diff.PropertyRecord
	actions []diff.Action
}

func (p *propertyAcc) add(row *propertyRow) {
	if len(p.actions) == 0 {
		p.rec.Type = row.Type
		p.rec.Previous = row.Previous
	}
	p.rec.New = row.New
	at := row.ChangedAt
	p.rec.ChangedAt = &at
	p.actions = append(p.actions, row.Action)
}

func (p *propertyAcc) record() diff.PropertyRecord {
	rec := p.rec
	rec.Action = collapseActions(p.actions)
	return rec
}

type propertySet struct {
	order []string
	props map[string]*propertyAcc
}

func (s *propertySet) add(row *propertyRow) {
	if s.props == nil {
		s.props = make(map[string]*propertyAcc)
	}
	acc, ok := s.props[row.Type]
	if !ok {
		acc = &propertyAcc{}
		s.props[row.Type] = acc
		s.order = append(s.order, row.Type)
	}
	acc.add(row)
}

func (s *propertySet) records() []diff.PropertyRecord {
	out := make([]diff.PropertyRecord, 0, len(s.order))
	for _, t := range s.order {
		out = append(out, s.props[t].record())
	}
	return out
}

type attributeAcc struct {
	id        string
	changes   map[string]bool
	actions   []diff.Action
	changedAt time.Time
	props     propertySet
}

type nodeKey struct {
	branch, id string
}

type nodeAcc struct {
	kind      string
	changes   map[string]bool
	actions   []diff.Action
	changedAt time.Time
	attrOrder []string
	attrs     map[string]*attributeAcc
}

// collapseNodes folds the stored rows of a window into one change record per
// (branch, node), in first-seen order. Nodes that net out to no change are dropped.
func collapseNodes(rows []nodeRow) []diff.NodeChange {
	var order []nodeKey
	accs := make(map[nodeKey]*nodeAcc)

	for i := range rows {
		r := &rows[i]
		key := nodeKey{r.Branch, r.NodeID}
		acc, ok := accs[key]
		if !ok {
			acc = &nodeAcc{kind: r.Kind, changes: make(map[string]bool), attrs: make(map[string]*attributeAcc)}
			accs[key] = acc
			order = append(order, key)
		}
		if !acc.changes[r.ChangeID] {
			acc.changes[r.ChangeID] = true
			acc.actions = append(acc.actions, r.Action)
			acc.changedAt = r.ChangedAt
		}
		if r.AttrName == "" {
			continue
		}

		attr, ok := acc.attrs[r.AttrName]
		if !ok {
			attr = &attributeAcc{id: r.AttrID, changes: make(map[string]bool)}
			acc.attrs[r.AttrName] = attr
			acc.attrOrder = append(acc.attrOrder, r.AttrName)
		}
		if !attr.changes[r.AttrChangeID] {
			attr.changes[r.AttrChangeID] = true
			attr.actions = append(attr.actions, r.AttrAction)
			attr.changedAt = r.ChangedAt
		}
		if r.Prop != nil {
			attr.props.add(r.Prop)
		}
	}

	out := make([]diff.NodeChange, 0, len(order))
	for _, key := range order {
		acc := accs[key]
		action := collapseActions(acc.actions)
		if action == diff.ActionUnchanged {
			continue
		}
		at := acc.changedAt
		nc := diff.NodeChange{
			Branch:    key.branch,
			Kind:      acc.kind,
			ID:        key.id,
			Action:    action,
			ChangedAt: &at,
		}
		for _, name := range acc.attrOrder {
			attr := acc.attrs[name]
			attrAt := attr.changedAt
			nc.Attributes = append(nc.Attributes, diff.AttributeChange{
				ID:         attr.id,
				Name:       name,
				Action:     collapseActions(attr.actions),
				ChangedAt:  &attrAt,
				Properties: attr.props.records(),
			})
		}
		out = append(out, nc)
	}
	return out
}

type relKey struct {
	branch, id string
}

type relAcc struct {
	rec     diff.RelationshipChange
	changes map[string]bool
	actions []diff.Action
	props   propertySet
}

// collapseRelationships folds the stored edge rows of a window into one
// change record per (branch, edge), in first-seen order. Edges added and
// removed inside the window are dropped.
func collapseRelationships(rows []relRow) []diff.RelationshipChange {
	var order []relKey
	accs := make(map[relKey]*relAcc)

	for i := range rows {
		r := &rows[i]
		key := relKey{r.Branch, r.RelID}
		acc, ok := accs[key]
		if !ok {
			acc = &relAcc{
				rec: diff.RelationshipChange{
					Branch:     r.Branch,
					ID:         r.RelID,
					Identifier: r.Identifier,
					Nodes:      []diff.NodeRef{r.Source, r.Destination},
				},
				changes: make(map[string]bool),
			}
			accs[key] = acc
			order = append(order, key)
		}
		if !acc.changes[r.ChangeID] {
			acc.changes[r.ChangeID] = true
			acc.actions = append(acc.actions, r.Action)
			at := r.ChangedAt
			acc.rec.ChangedAt = &at
		}
		if r.Prop != nil {
			acc.props.add(r.Prop)
		}
	}

	out := make([]diff.RelationshipChange, 0, len(order))
	for _, key := range order {
		acc := accs[key]
		rec := acc.rec
		rec.Action = collapseActions(acc.actions)
		if rec.Action == diff.ActionUnchanged {
			continue
		}
		rec.Properties = acc.props.records()
		out = append(out, rec)
	}
	return out
}

type conflictKey struct {
	node, attr, prop string
}

// conflictsFrom reports every attribute property changed on more than one
// branch of the window, in first-seen order.
func conflictsFrom(nodes []diff.NodeChange) []diff.Conflict {
	var order []conflictKey
	found := make(map[conflictKey]*diff.Conflict)
	branches := make(map[conflictKey]map[string]bool)

	for _, n := range nodes {
		for _, a := range n.Attributes {
			for _, p := range a.Properties {
				key := conflictKey{n.ID, a.Name, p.Type}
				c, ok := found[key]
				if !ok {
					c = &diff.Conflict{
						Type:         "attribute",
						Kind:         n.Kind,
						ID:           n.ID,
						Name:         a.Name,
						Path:         fmt.Sprintf("data/%s/%s/property/%s", n.ID, a.Name, p.Type),
						PathType:     "attribute",
						PropertyName: p.Type,
					}
					found[key] = c
					branches[key] = make(map[string]bool)
					order = append(order, key)
				}
				if branches[key][n.Branch] {
					continue
				}
				branches[key][n.Branch] = true
				c.Changes = append(c.Changes, diff.ConflictChange{
					Branch:    n.Branch,
					Action:    p.Action,
					ChangedAt: p.ChangedAt,
					New:       p.New,
				})
			}
		}
	}

	out := []diff.Conflict{}
	for _, key := range order {
		if c := found[key]; len(c.Changes) > 1 {
			out = append(out, *c)
		}
	}
	return out
}

// renderLabel joins the values of fields in order, skipping missing ones.
func renderLabel(fields []string, values map[string]any) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		v, ok := values[f]
		if !ok || v == nil {
			continue
		}
		parts = append(parts, fmt.Sprint(v))
	}
	return strings.Join(parts, " ")
}
