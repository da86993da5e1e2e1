package diff

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

type fakeSource struct {
	nodes     []NodeChange
	rels      []RelationshipChange
	conflicts []Conflict
	err       error
}

func (f *fakeSource) Nodes(ctx context.Context, w Window) ([]NodeChange, error) {
	return f.nodes, f.err
}

func (f *fakeSource) Relationships(ctx context.Context, w Window) ([]RelationshipChange, error) {
	return f.rels, nil
}

func (f *fakeSource) Conflicts(ctx context.Context, w Window) ([]Conflict, error) {
	return f.conflicts, nil
}

type fakeLabels struct {
	mu     sync.Mutex
	labels map[string]map[string]string
	calls  int
}

func (f *fakeLabels) DisplayLabels(ctx context.Context, branch, kind string, ids []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	out := make(map[string]string)
	for _, id := range ids {
		if l, ok := f.labels[branch][id]; ok {
			out[id] = l
		}
	}
	return out, nil
}

type fakeSchema map[string]map[string]RelationshipSchema

func (f fakeSchema) RelationshipByIdentifier(branch, kind, identifier string) (RelationshipSchema, bool) {
	rel, ok := f[kind][identifier]
	return rel, ok
}

var testSchema = fakeSchema{
	"TestCar": {
		"person_previous__car": {Name: "previous_owner", Identifier: "person_previous__car", Cardinality: CardinalityOne},
		"car__person":          {Name: "owner", Identifier: "car__person", Cardinality: CardinalityOne},
	},
	"TestPerson": {
		"person_previous__car": {Name: "previous_cars", Identifier: "person_previous__car", Cardinality: CardinalityMany},
		"car__person":          {Name: "cars", Identifier: "car__person", Cardinality: CardinalityMany},
		"person__friend":       {Name: "friends", Identifier: "person__friend", Cardinality: CardinalityMany},
	},
	"CoreOrganization": {
		"builtintag__coreorganization": {Name: "tags", Identifier: "builtintag__coreorganization", Cardinality: CardinalityMany},
	},
}

var testLabels = map[string]map[string]string{
	"main": {
		"p1": "John", "p2": "Jane", "c1": "volt #444444", "org1": "Org1",
	},
	"branch2": {
		"p1": "John", "p2": "Jane", "c1": "volt #444444", "c2": "bolt #444444",
		"org3": "Org3", "red": "red", "orange": "orange",
	},
}

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func valueChange(action Action, previous, new any) PropertyRecord {
	return PropertyRecord{Type: PropertyValue, Action: action, Previous: previous, New: new}
}

func heightChange(branch string, previous, new any) NodeChange {
	return NodeChange{
		Branch: branch,
		Kind:   "TestPerson",
		ID:     "p1",
		Action: ActionUpdated,
		Attributes: []AttributeChange{{
			ID:         "attr-height",
			Name:       "height",
			Action:     ActionUpdated,
			Properties: []PropertyRecord{valueChange(ActionUpdated, previous, new)},
		}},
	}
}

func edge(branch, id, identifier string, action Action, nodes ...NodeRef) RelationshipChange {
	return RelationshipChange{
		Branch:     branch,
		ID:         id,
		Identifier: identifier,
		Action:     action,
		Nodes:      nodes,
		Properties: []PropertyRecord{
			{Type: PropertyProtected, Action: action, New: false},
			{Type: PropertyVisible, Action: action, New: true},
		},
	}
}

func ref(id, kind string) NodeRef {
	return NodeRef{ID: id, Kind: kind}
}

func build(src *fakeSource, kinds ...string) (*Payload, error) {
	b := NewBuilder(src, &fakeLabels{labels: testLabels}, testSchema)
	return b.Build(context.Background(), Window{Branch: "branch2"}, kinds)
}

func orderedMap[V any]() cmp.Option {
	return cmp.Transformer("ordered", func(o Ordered[V]) map[string]V { return o.Map() })
}

// payloadOpts compares payloads with order-insensitive branch sets and
// per-branch lists, and exact order everywhere else.
var payloadOpts = cmp.Options{
	orderedMap[*Element](),
	orderedMap[*PropertyChangeCollection](),
	orderedMap[*PeerDiffEntry](),
	orderedMap[Action](),
	cmpopts.SortSlices(func(a, b string) bool { return a < b }),
	cmpopts.SortSlices(func(a, b BranchAction) bool { return a.Branch < b.Branch }),
	cmpopts.SortSlices(func(a, b BranchLabel) bool { return a.Branch < b.Branch }),
	cmpopts.SortSlices(func(a, b PropertyChange) bool { return a.Branch < b.Branch }),
	cmpopts.SortSlices(func(a, b PeerChange) bool { return a.Branch < b.Branch }),
	cmpopts.EquateEmpty(),
}

func entryIDs(p *Payload) []string {
	ids := make([]string, 0, len(p.Diffs))
	for _, e := range p.Diffs {
		ids = append(ids, e.ID)
	}
	return ids
}

func sortedBranches(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
