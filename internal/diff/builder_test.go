package diff

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_AttributeValue(t *testing.T) {
	src := &fakeSource{nodes: []NodeChange{heightChange("main", 180, 120)}}

	payload, err := build(src)
	require.NoError(t, err)

	got, err := json.Marshal(payload)
	require.NoError(t, err)

	want := `{"diffs":[{
		"kind":"TestPerson","id":"p1","path":"data/p1",
		"elements":{"height":{
			"type":"Attribute","name":"height","path":"data/p1/height",
			"change":{
				"branches":["main"],"id":"attr-height",
				"summary":{"added":0,"removed":0,"updated":1},
				"action":"updated",
				"value":{"path":"data/p1/height/value","changes":[
					{"branch":"main","type":"HAS_VALUE","changed_at":null,"action":"updated","value":{"new":120,"previous":180}}
				]},
				"properties":{}
			}
		}},
		"summary":{"added":0,"removed":0,"updated":1},
		"action":[{"branch":"main","action":"updated"}],
		"display_label":[{"branch":"main","display_label":"John"}]
	}]}`
	assert.JSONEq(t, want, string(got))
	assert.Empty(t, payload.Conflicts)
}

func TestBuild_RelationshipOrphan(t *testing.T) {
	org := ref("org3", "CoreOrganization")
	src := &fakeSource{rels: []RelationshipChange{
		edge("branch2", "e1", "builtintag__coreorganization", ActionAdded, org, ref("red", "BuiltinTag")),
		edge("branch2", "e2", "builtintag__coreorganization", ActionAdded, org, ref("orange", "BuiltinTag")),
	}}

	payload, err := build(src)
	require.NoError(t, err)

	// BuiltinTag has no schema for the identifier, so only the organization is reported.
	require.Equal(t, []string{"org3"}, entryIDs(payload))
	entry := payload.Diffs[0]
	assert.Equal(t, "CoreOrganization", entry.Kind)
	assert.Equal(t, []BranchAction{{Branch: "branch2", Action: ActionUpdated}}, entry.Action)
	assert.Equal(t, []BranchLabel{{Branch: "branch2", DisplayLabel: "Org3"}}, entry.DisplayLabel)
	assert.Equal(t, Summary{Added: 1}, entry.Summary)

	tags, ok := entry.Elements.Get("tags")
	require.True(t, ok)
	require.Equal(t, ElementRelationshipMany, tags.Type)
	assert.Equal(t, "data/org3/tags", tags.Path)
	assert.Equal(t, Summary{Added: 2}, tags.RelationshipMany.Summary)
	assert.Equal(t, []string{"red", "orange"}, tags.RelationshipMany.Peers.Keys())

	red, _ := tags.RelationshipMany.Peers.Get("red")
	assert.Equal(t, "data/org3/tags/red", red.Path)
	assert.Equal(t, PeerRef{ID: "red", Kind: "BuiltinTag", DisplayLabel: "red"}, red.Peer)
	action, _ := red.Actions.Get("branch2")
	assert.Equal(t, ActionAdded, action)
	assert.Equal(t, []string{PropertyProtected, PropertyVisible}, red.Properties.Keys())
	visible, _ := red.Properties.Get(PropertyVisible)
	assert.Equal(t, "data/org3/tags/red/property/IS_VISIBLE", visible.Path)
}

func TestBuild_SinglePeerReplacement(t *testing.T) {
	car := ref("c1", "TestCar")
	src := &fakeSource{rels: []RelationshipChange{
		edge("branch2", "e-new", "person_previous__car", ActionAdded, car, ref("p1", "TestPerson")),
		edge("branch2", "e-old", "person_previous__car", ActionRemoved, car, ref("p2", "TestPerson")),
	}}

	payload, err := build(src)
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "p1", "p2"}, entryIDs(payload))

	owner, ok := payload.Entry("c1").Elements.Get("previous_owner")
	require.True(t, ok)
	require.Equal(t, ElementRelationshipOne, owner.Type)
	one := owner.RelationshipOne
	assert.Equal(t, "e-new", one.ID)
	assert.Equal(t, "person_previous__car", one.Identifier)
	assert.Equal(t, []BranchAction{{Branch: "branch2", Action: ActionUpdated}}, one.Action)
	require.NotNil(t, one.Peer)
	assert.Equal(t, "data/c1/previous_owner/peer", one.Peer.Path)
	assert.Equal(t, []PeerChange{{
		Branch:   "branch2",
		New:      &PeerRef{ID: "p1", Kind: "TestPerson", DisplayLabel: "John"},
		Previous: &PeerRef{ID: "p2", Kind: "TestPerson", DisplayLabel: "Jane"},
	}}, one.Peer.Changes)

	for id, want := range map[string]Action{"p1": ActionAdded, "p2": ActionRemoved} {
		cars, ok := payload.Entry(id).Elements.Get("previous_cars")
		require.True(t, ok, id)
		require.Equal(t, ElementRelationshipMany, cars.Type, id)
		peer, ok := cars.RelationshipMany.Peers.Get("c1")
		require.True(t, ok, id)
		got, _ := peer.Actions.Get("branch2")
		assert.Equal(t, want, got, id)
	}
}

func TestBuild_MergesBranches(t *testing.T) {
	src := &fakeSource{nodes: []NodeChange{
		heightChange("main", 180, 120),
		heightChange("branch2", 180, 175),
	}}

	payload, err := build(src)
	require.NoError(t, err)
	require.Len(t, payload.Diffs, 1)

	entry := payload.Diffs[0]
	assert.Equal(t, Summary{Updated: 2}, entry.Summary)
	assert.Equal(t, []string{"branch2", "main"}, sortedBranches(branchesOf(entry.Action)))

	height, _ := entry.Elements.Get("height")
	assert.Equal(t, []string{"branch2", "main"}, sortedBranches(height.Attribute.Branches))
	assert.Equal(t, Summary{Updated: 2}, height.Attribute.Summary)
	assert.Equal(t, ActionUpdated, height.Attribute.Action)
	require.Len(t, height.Attribute.Value.Changes, 2)

	values := map[string]any{}
	for _, c := range height.Attribute.Value.Changes {
		values[c.Branch] = c.Value.New
	}
	assert.Equal(t, map[string]any{"main": 120, "branch2": 175}, values)
}

func TestBuild_NodeAndRelationshipOnSameBranch(t *testing.T) {
	person := heightChange("branch2", 180, 175)
	src := &fakeSource{
		nodes: []NodeChange{person},
		rels: []RelationshipChange{
			edge("branch2", "e1", "car__person", ActionAdded, ref("c2", "TestCar"), ref("p1", "TestPerson")),
		},
	}

	payload, err := build(src)
	require.NoError(t, err)
	require.Equal(t, []string{"p1", "c2"}, entryIDs(payload))

	p1 := payload.Entry("p1")
	assert.Equal(t, []string{"height", "cars"}, p1.Elements.Keys())
	// pass 2 does not add a second action for a node already seen on the branch
	assert.Equal(t, []BranchAction{{Branch: "branch2", Action: ActionUpdated}}, p1.Action)
	assert.Equal(t, Summary{Added: 1, Updated: 1}, p1.Summary)

	c2 := payload.Entry("c2")
	assert.Equal(t, []BranchLabel{{Branch: "branch2", DisplayLabel: "bolt #444444"}}, c2.DisplayLabel)
}

func TestBuild_RelationshipOnOtherBranch(t *testing.T) {
	org := ref("org1", "CoreOrganization")
	src := &fakeSource{
		nodes: []NodeChange{{
			Branch: "main", Kind: "CoreOrganization", ID: "org1", Action: ActionUpdated,
			Attributes: []AttributeChange{{
				ID: "attr-name", Name: "name", Action: ActionUpdated,
				Properties: []PropertyRecord{valueChange(ActionUpdated, "Org", "Org1")},
			}},
		}},
		rels: []RelationshipChange{
			edge("branch2", "e1", "builtintag__coreorganization", ActionAdded, org, ref("red", "BuiltinTag")),
		},
	}

	payload, err := build(src)
	require.NoError(t, err)
	require.Equal(t, []string{"org1"}, entryIDs(payload))

	// the edge change on branch2 is kept even though main already produced the entry
	entry := payload.Diffs[0]
	assert.Equal(t, []BranchAction{
		{Branch: "main", Action: ActionUpdated},
		{Branch: "branch2", Action: ActionUpdated},
	}, entry.Action)
	assert.Equal(t, []string{"name", "tags"}, entry.Elements.Keys())
}

func TestBuild_SelfLoop(t *testing.T) {
	p1 := ref("p1", "TestPerson")
	src := &fakeSource{rels: []RelationshipChange{
		edge("branch2", "e1", "person__friend", ActionAdded, p1, p1),
	}}
	missing := testutil.ToFloat64(droppedContributions.WithLabelValues(dropMissingPeer))

	payload, err := build(src)
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, entryIDs(payload))

	entry := payload.Entry("p1")
	require.Equal(t, []string{"friends"}, entry.Elements.Keys())
	el, _ := entry.Elements.Get("friends")
	require.Equal(t, ElementRelationshipMany, el.Type)
	assert.Equal(t, []string{"p1"}, el.RelationshipMany.Peers.Keys())
	assert.Equal(t, Summary{Added: 1}, entry.Summary)
	assert.Equal(t, missing, testutil.ToFloat64(droppedContributions.WithLabelValues(dropMissingPeer)))
}

func TestBuild_KindFilter(t *testing.T) {
	src := &fakeSource{
		nodes: []NodeChange{heightChange("main", 180, 120)},
		rels: []RelationshipChange{
			edge("branch2", "e1", "builtintag__coreorganization", ActionAdded, ref("org3", "CoreOrganization"), ref("red", "BuiltinTag")),
		},
	}

	payload, err := build(src, "CoreOrganization")
	require.NoError(t, err)
	assert.Equal(t, []string{"org3"}, entryIDs(payload))

	payload, err = build(src, "TestPerson")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, entryIDs(payload))
}

func TestBuild_Idempotent(t *testing.T) {
	car := ref("c1", "TestCar")
	src := &fakeSource{
		nodes: []NodeChange{heightChange("main", 180, 120), heightChange("branch2", 180, 175)},
		rels: []RelationshipChange{
			edge("branch2", "e-new", "person_previous__car", ActionAdded, car, ref("p1", "TestPerson")),
			edge("branch2", "e-old", "person_previous__car", ActionRemoved, car, ref("p2", "TestPerson")),
			edge("main", "e3", "builtintag__coreorganization", ActionRemoved, ref("org1", "CoreOrganization"), ref("red", "BuiltinTag")),
		},
	}

	first, err := build(src)
	require.NoError(t, err)
	second, err := build(src)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second, payloadOpts); diff != "" {
		t.Errorf("payload differs between builds (-first +second):\n%s", diff)
	}

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

func TestBuild_SummaryReconstructible(t *testing.T) {
	car := ref("c1", "TestCar")
	src := &fakeSource{
		nodes: []NodeChange{heightChange("main", 180, 120), heightChange("branch2", 180, 175)},
		rels: []RelationshipChange{
			edge("branch2", "e-new", "person_previous__car", ActionAdded, car, ref("p1", "TestPerson")),
			edge("branch2", "e-old", "person_previous__car", ActionRemoved, car, ref("p2", "TestPerson")),
			edge("branch2", "e4", "car__person", ActionAdded, ref("c2", "TestCar"), ref("p1", "TestPerson")),
		},
	}

	payload, err := build(src)
	require.NoError(t, err)

	for _, entry := range payload.Diffs {
		contributions := 0
		for _, name := range entry.Elements.Keys() {
			el, _ := entry.Elements.Get(name)
			contributions += len(el.Branches())
		}
		assert.Equal(t, contributions, entry.Summary.Total(), "entry %s", entry.ID)
	}
}

func TestBuild_TypeMismatch(t *testing.T) {
	src := &fakeSource{
		nodes: []NodeChange{{
			Branch:     "branch2",
			Kind:       "TestCar",
			ID:         "c1",
			Action:     ActionUpdated,
			Attributes: []AttributeChange{{Name: "owner", Action: ActionUpdated}},
		}},
		rels: []RelationshipChange{
			edge("branch2", "e1", "car__person", ActionAdded, ref("c1", "TestCar"), ref("p1", "TestPerson")),
		},
	}

	_, err := build(src)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrElementTypeMismatch), "got %v", err)
}

func TestBuild_TypeMismatchAcrossBranches(t *testing.T) {
	src := &fakeSource{
		nodes: []NodeChange{{
			Branch:     "main",
			Kind:       "TestCar",
			ID:         "c1",
			Action:     ActionUpdated,
			Attributes: []AttributeChange{{Name: "owner", Action: ActionUpdated}},
		}},
		rels: []RelationshipChange{
			edge("branch2", "e1", "car__person", ActionAdded, ref("c1", "TestCar"), ref("p1", "TestPerson")),
		},
	}

	_, err := build(src)
	assert.ErrorIs(t, err, ErrElementTypeMismatch)
}

func TestBuild_SourceError(t *testing.T) {
	boom := errors.New("connection refused")
	_, err := build(&fakeSource{err: boom})
	assert.ErrorIs(t, err, boom)
}

func TestBuild_MissingBranch(t *testing.T) {
	b := NewBuilder(&fakeSource{}, nil, testSchema)
	_, err := b.Build(context.Background(), Window{}, nil)
	assert.ErrorIs(t, err, ErrMissingBranch)
}

func TestBuild_LabelsFetchedOncePerGroup(t *testing.T) {
	labels := &fakeLabels{labels: testLabels}
	src := &fakeSource{
		nodes: []NodeChange{heightChange("main", 180, 120)},
		rels: []RelationshipChange{
			edge("main", "e1", "builtintag__coreorganization", ActionRemoved, ref("org1", "CoreOrganization"), ref("red", "BuiltinTag")),
		},
	}
	b := NewBuilder(src, labels, testSchema, WithFetchConcurrency(2))

	payload, err := b.Build(context.Background(), Window{Branch: "branch2"}, nil)
	require.NoError(t, err)
	// one lookup per (branch, kind): TestPerson, CoreOrganization, BuiltinTag
	assert.Equal(t, 3, labels.calls)

	// red has no label on main, so the peer keeps an empty one
	tags, _ := payload.Entry("org1").Elements.Get("tags")
	red, _ := tags.RelationshipMany.Peers.Get("red")
	assert.Empty(t, red.Peer.DisplayLabel)
}

func TestBuild_Artifacts(t *testing.T) {
	artifact := func(branch string, action Action, prevStorage, newStorage any) NodeChange {
		return NodeChange{
			Branch: branch,
			Kind:   KindArtifact,
			ID:     "art1",
			Action: action,
			Attributes: []AttributeChange{
				{Name: "storage_id", Action: action, Properties: []PropertyRecord{valueChange(action, prevStorage, newStorage)}},
				{Name: "checksum", Action: action, Properties: []PropertyRecord{valueChange(action, "chk-"+toString(prevStorage), "chk-"+toString(newStorage))}},
			},
		}
	}
	src := &fakeSource{nodes: []NodeChange{
		artifact("branch2", ActionUpdated, "s1", "s2"),
		artifact("main", ActionAdded, nil, "s3"),
		heightChange("main", 180, 120),
	}}

	payload, err := build(src, KindArtifact)
	require.NoError(t, err)

	got := Artifacts(payload)
	want := []ArtifactDiff{
		{
			Branch:       "branch2",
			ID:           "art1",
			Action:       ActionUpdated,
			ItemNew:      &ArtifactStorage{StorageID: "s2", Checksum: "chk-s2"},
			ItemPrevious: &ArtifactStorage{StorageID: "s1", Checksum: "chk-s1"},
		},
		{
			Branch:  "main",
			ID:      "art1",
			Action:  ActionAdded,
			ItemNew: &ArtifactStorage{StorageID: "s3", Checksum: "chk-s3"},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Artifacts() mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_ConflictsPassThrough(t *testing.T) {
	conflict := Conflict{Type: "attribute", Kind: "TestPerson", ID: "p1", Name: "height", PropertyName: PropertyValue}
	payload, err := build(&fakeSource{conflicts: []Conflict{conflict}})
	require.NoError(t, err)
	assert.Equal(t, []Conflict{conflict}, payload.Conflicts)

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"diffs":[]}`, string(raw))
}

func branchesOf(actions []BranchAction) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.Branch)
	}
	return out
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	return v.(string)
}
