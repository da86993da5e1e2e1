package diff

import (
	"fmt"
	"log/slog"
)

type branchNode struct {
	branch, node string
}

// aggregator merges per-branch node diffs into one entry per node. It is
// owned by a single build and is not safe for concurrent use.
type aggregator struct {
	entries Ordered[*Entry]
	visited map[branchNode]bool
	kinds   map[string]bool

	reducer Reducer
	schema  *schemaCache
	labels  *labelCache
	logger  *slog.Logger
}

func newAggregator(kinds []string, schema *schemaCache, labels *labelCache, logger *slog.Logger) *aggregator {
	a := &aggregator{
		visited: make(map[branchNode]bool),
		reducer: Reducer{Logger: logger},
		schema:  schema,
		labels:  labels,
		logger:  logger,
	}
	if len(kinds) > 0 {
		a.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			a.kinds[k] = true
		}
	}
	return a
}

func (a *aggregator) includes(kind string) bool {
	return a.kinds == nil || a.kinds[kind]
}

func (a *aggregator) result() []*Entry {
	out := make([]*Entry, 0, a.entries.Len())
	for _, id := range a.entries.Keys() {
		e, _ := a.entries.Get(id)
		out = append(out, e)
	}
	return out
}

// processNodes is the node-centric pass: every changed node of every branch,
// together with the relationships attached to it on that branch.
func (a *aggregator) processNodes(nodes []NodeChange, rels *RelationshipIndex) error {
	var perBranch Ordered[[]NodeChange]
	for _, n := range nodes {
		list, _ := perBranch.Get(n.Branch)
		perBranch.Set(n.Branch, append(list, n))
	}

	for _, branch := range perBranch.Keys() {
		labels := a.labels.branch(branch)
		list, _ := perBranch.Get(branch)
		for _, rec := range list {
			if !a.includes(rec.Kind) {
				continue
			}
			nd, err := BuildNodeDiff(rec)
			if err != nil {
				return err
			}
			if nr := rels.Branch(branch).Node(rec.ID); nr != nil {
				if _, err := a.reduceInto(nd, nr, rec.Kind, labels); err != nil {
					return err
				}
			}

			entry := a.entry(rec.ID, rec.Kind)
			a.setLabel(entry, branch, labels[rec.ID])
			entry.Action = append(entry.Action, BranchAction{Branch: branch, Action: rec.Action})
			if err := a.merge(entry, nd); err != nil {
				return err
			}
			a.visited[branchNode{branch, rec.ID}] = true
		}
	}
	return nil
}

// processRelationships is the relationship-orphan pass: nodes whose only
// changes on a branch are relationship changes.
func (a *aggregator) processRelationships(rels *RelationshipIndex) error {
	for _, branch := range rels.Branches() {
		labels := a.labels.branch(branch)
		for _, nr := range rels.Branch(branch).Nodes() {
			if a.visited[branchNode{branch, nr.ID}] || !a.includes(nr.Kind) {
				continue
			}
			nd := NewNodeDiff(branch, nr.Kind, nr.ID, ActionUpdated)
			resolved, err := a.reduceInto(nd, nr, nr.Kind, labels)
			if err != nil {
				return err
			}
			if resolved == 0 {
				continue
			}

			entry := a.entry(nr.ID, nr.Kind)
			a.setLabel(entry, branch, labels[nr.ID])
			entry.Action = append(entry.Action, BranchAction{Branch: branch, Action: ActionUpdated})
			if err := a.merge(entry, nd); err != nil {
				return err
			}
		}
	}
	return nil
}

// reduceInto adds the reduced relationships of nr to nd and returns how many
// identifiers resolved against the schema.
func (a *aggregator) reduceInto(nd *NodeDiff, nr *NodeRelationships, kind string, labels map[string]string) (int, error) {
	resolved := 0
	for _, identifier := range nr.Identifiers() {
		rel, ok := a.schema.relationship(nd.Branch, kind, identifier)
		if !ok {
			a.logger.Debug("relationship: identifier not in schema, skipping",
				slog.String("node_id", nr.ID),
				slog.String("kind", kind),
				slog.String("identifier", identifier),
				slog.String("branch", nd.Branch))
			droppedContributions.WithLabelValues(dropSchemaMiss).Inc()
			continue
		}
		resolved++
		rd := a.reducer.Reduce(nr.ID, nd.Branch, rel, nr.Records(identifier), labels)
		if rd == nil {
			continue
		}
		if err := nd.AddRelationship(rd); err != nil {
			return resolved, err
		}
	}
	return resolved, nil
}

func (a *aggregator) entry(id, kind string) *Entry {
	if e, ok := a.entries.Get(id); ok {
		return e
	}
	e := newEntry(id, kind)
	a.entries.Set(id, e)
	return e
}

// setLabel records the label of a branch once; later labels for the same branch are ignored.
func (a *aggregator) setLabel(e *Entry, branch, label string) {
	if label == "" {
		return
	}
	for _, l := range e.DisplayLabel {
		if l.Branch == branch {
			return
		}
	}
	e.DisplayLabel = append(e.DisplayLabel, BranchLabel{Branch: branch, DisplayLabel: label})
}

func (a *aggregator) element(e *Entry, name string, typ ElementType) (*Element, error) {
	el, ok := e.Elements.Get(name)
	if !ok {
		el = newElement(typ, e.ID, name)
		e.Elements.Set(name, el)
		return el, nil
	}
	if el.Type != typ {
		return nil, fmt.Errorf("%w: node %s field %q is %s, got %s", ErrElementTypeMismatch, e.ID, name, el.Type, typ)
	}
	return el, nil
}

func (a *aggregator) merge(e *Entry, nd *NodeDiff) error {
	for _, ne := range nd.Elements {
		el, err := a.element(e, ne.Name, ne.Type)
		if err != nil {
			return err
		}
		switch ne.Type {
		case ElementAttribute:
			mergeAttribute(el, nd.Branch, ne.Attribute)
		case ElementRelationshipOne:
			mergeRelationshipOne(el, nd.Branch, ne.Relationship)
		case ElementRelationshipMany:
			mergeRelationshipMany(el, nd.Branch, ne.Relationship)
		}
	}
	e.Summary.Add(nd.Summary)
	return nil
}

func mergeAttribute(el *Element, branch string, attr *AttributeDiff) {
	ch := el.Attribute
	if ch.ID == "" {
		ch.ID = attr.ID
	}
	ch.Action = ch.Action.Merge(attr.Action)
	ch.Branches = addBranch(ch.Branches, branch)
	if attr.Value != nil {
		if ch.Value == nil {
			ch.Value = &PropertyChangeCollection{Path: el.Path + "/value"}
		}
		ch.Value.Changes = append(ch.Value.Changes, *attr.Value)
	}
	for _, p := range attr.Properties {
		appendProperty(&ch.Properties, el.Path, p)
	}
	ch.Summary.Add(attr.Summary)
}

func mergeRelationshipOne(el *Element, branch string, rel *RelationshipDiff) {
	ch := el.RelationshipOne
	one := rel.One
	if ch.ID == "" {
		ch.ID = one.ID
	}
	ch.Identifier = rel.Schema.Identifier
	ch.Branches = addBranch(ch.Branches, branch)
	ch.Action = append(ch.Action, BranchAction{Branch: branch, Action: one.Action})
	if one.New != nil || one.Previous != nil {
		if ch.Peer == nil {
			ch.Peer = &PeerChangeCollection{Path: el.Path + "/peer"}
		}
		ch.Peer.Changes = append(ch.Peer.Changes, PeerChange{Branch: branch, New: one.New, Previous: one.Previous})
	}
	for _, p := range one.Properties {
		appendProperty(&ch.Properties, el.Path, p)
	}
	if one.ChangedAt != nil && (ch.ChangedAt == nil || one.ChangedAt.After(*ch.ChangedAt)) {
		ch.ChangedAt = one.ChangedAt
	}
	ch.Summary.Inc(one.Action)
}

func mergeRelationshipMany(el *Element, branch string, rel *RelationshipDiff) {
	ch := el.RelationshipMany
	ch.Identifier = rel.Schema.Identifier
	ch.Branches = addBranch(ch.Branches, branch)
	for _, p := range rel.Many.Peers {
		pe, ok := ch.Peers.Get(p.Peer.ID)
		if !ok {
			pe = &PeerDiffEntry{
				Branches: []string{},
				Peer:     p.Peer,
				Path:     el.Path + "/" + p.Peer.ID,
			}
			ch.Peers.Set(p.Peer.ID, pe)
		}
		if pe.Peer.DisplayLabel == "" {
			pe.Peer.DisplayLabel = p.Peer.DisplayLabel
		}
		pe.Branches = addBranch(pe.Branches, branch)
		pe.Actions.Set(branch, p.Action)
		for _, prop := range p.Properties {
			appendProperty(&pe.Properties, pe.Path, prop)
		}
		if p.ChangedAt != nil && (pe.ChangedAt == nil || p.ChangedAt.After(*pe.ChangedAt)) {
			pe.ChangedAt = p.ChangedAt
		}
	}
	ch.Summary.Add(rel.Many.Summary)
}
