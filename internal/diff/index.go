package diff

// NodeRelationships holds the raw edge records touching one node on one
// branch, grouped by relationship identifier in first-seen order.
type NodeRelationships struct {
	ID      string
	Kind    string
	records Ordered[[]RelationshipChange]
}

// Identifiers returns the relationship identifiers in first-seen order.
func (n *NodeRelationships) Identifiers() []string {
	return n.records.Keys()
}

// Records returns the edge records for identifier.
func (n *NodeRelationships) Records(identifier string) []RelationshipChange {
	recs, _ := n.records.Get(identifier)
	return recs
}

// BranchRelationships indexes the edge records of one branch per node.
type BranchRelationships struct {
	nodes Ordered[*NodeRelationships]
}

// Nodes returns the indexed nodes in first-seen order.
func (b *BranchRelationships) Nodes() []*NodeRelationships {
	if b == nil {
		return nil
	}
	out := make([]*NodeRelationships, 0, b.nodes.Len())
	for _, id := range b.nodes.Keys() {
		n, _ := b.nodes.Get(id)
		out = append(out, n)
	}
	return out
}

// Node returns the relationships of node id, or nil.
func (b *BranchRelationships) Node(id string) *NodeRelationships {
	if b == nil {
		return nil
	}
	n, _ := b.nodes.Get(id)
	return n
}

// RelationshipIndex maps branch -> node id -> relationship identifier -> edge records.
type RelationshipIndex struct {
	branches Ordered[*BranchRelationships]
}

// IndexRelationships indexes every edge record under both of its endpoints.
// A self-loop is indexed once.
func IndexRelationships(recs []RelationshipChange) *RelationshipIndex {
	ix := &RelationshipIndex{}
	for _, rec := range recs {
		br, ok := ix.branches.Get(rec.Branch)
		if !ok {
			br = &BranchRelationships{}
			ix.branches.Set(rec.Branch, br)
		}
		for i, end := range rec.Nodes {
			if indexedBefore(rec.Nodes[:i], end.ID) {
				continue
			}
			n, ok := br.nodes.Get(end.ID)
			if !ok {
				n = &NodeRelationships{ID: end.ID, Kind: end.Kind}
				br.nodes.Set(end.ID, n)
			}
			existing, _ := n.records.Get(rec.Identifier)
			n.records.Set(rec.Identifier, append(existing, rec))
		}
	}
	return ix
}

func indexedBefore(ends []NodeRef, id string) bool {
	for _, e := range ends {
		if e.ID == id {
			return true
		}
	}
	return false
}

// Branches returns the indexed branches in first-seen order.
func (ix *RelationshipIndex) Branches() []string {
	return ix.branches.Keys()
}

// Branch returns the index of one branch. The result is nil-safe.
func (ix *RelationshipIndex) Branch(name string) *BranchRelationships {
	br, _ := ix.branches.Get(name)
	return br
}

// NodeIDsPerKind lists, per branch and kind, every node that needs a display
// label: changed nodes and both endpoints of every changed edge.
func NodeIDsPerKind(nodes []NodeChange, rels []RelationshipChange) map[string]map[string][]string {
	out := make(map[string]map[string][]string)
	seen := make(map[string]map[string]bool)
	add := func(branch, kind, id string) {
		if seen[branch] == nil {
			seen[branch] = make(map[string]bool)
			out[branch] = make(map[string][]string)
		}
		if seen[branch][id] {
			return
		}
		seen[branch][id] = true
		out[branch][kind] = append(out[branch][kind], id)
	}
	for _, n := range nodes {
		add(n.Branch, n.Kind, n.ID)
	}
	for _, r := range rels {
		for _, end := range r.Nodes {
			add(r.Branch, end.Kind, end.ID)
		}
	}
	return out
}
