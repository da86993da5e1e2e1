package diff

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

var (
	previousOwner = testSchema["TestCar"]["person_previous__car"]
	orgTags       = testSchema["CoreOrganization"]["builtintag__coreorganization"]
)

func TestReduceOne_SingleRecord(t *testing.T) {
	tests := []struct {
		name         string
		action       Action
		wantNew      *PeerRef
		wantPrevious *PeerRef
	}{
		{
			name:    "added populates new",
			action:  ActionAdded,
			wantNew: &PeerRef{ID: "p1", Kind: "TestPerson", DisplayLabel: "John"},
		},
		{
			name:         "removed populates previous",
			action:       ActionRemoved,
			wantPrevious: &PeerRef{ID: "p1", Kind: "TestPerson", DisplayLabel: "John"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs := []RelationshipChange{
				edge("branch2", "e1", "person_previous__car", tt.action, ref("c1", "TestCar"), ref("p1", "TestPerson")),
			}
			got := Reducer{}.Reduce("c1", "branch2", previousOwner, recs, testLabels["branch2"])
			if got == nil || got.One == nil {
				t.Fatalf("Reduce() = %v, want a single-peer diff", got)
			}
			if got.Action() != tt.action {
				t.Errorf("Action() = %s, want %s", got.Action(), tt.action)
			}
			if diff := cmp.Diff(tt.wantNew, got.One.New); diff != "" {
				t.Errorf("New mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantPrevious, got.One.Previous); diff != "" {
				t.Errorf("Previous mismatch (-want +got):\n%s", diff)
			}
			if len(got.One.Properties) != 2 {
				t.Errorf("len(Properties) = %d, want 2", len(got.One.Properties))
			}
		})
	}
}

func TestReduceOne_CollapsesReplacement(t *testing.T) {
	recs := []RelationshipChange{
		edge("branch2", "e-new", "person_previous__car", ActionAdded, ref("c1", "TestCar"), ref("p1", "TestPerson")),
		edge("branch2", "e-old", "person_previous__car", ActionRemoved, ref("c1", "TestCar"), ref("p2", "TestPerson")),
	}
	recs[0].ChangedAt = ts("2023-08-21T11:06:49Z")

	got := Reducer{}.Reduce("c1", "branch2", previousOwner, recs, testLabels["branch2"])
	if got == nil || got.One == nil {
		t.Fatal("Reduce() returned nil for an add/remove pair")
	}

	want := &RelationshipOneDiff{
		ID:        "e-new",
		Action:    ActionUpdated,
		ChangedAt: ts("2023-08-21T11:06:49Z"),
		New:       &PeerRef{ID: "p1", Kind: "TestPerson", DisplayLabel: "John"},
		Previous:  &PeerRef{ID: "p2", Kind: "TestPerson", DisplayLabel: "Jane"},
		Properties: []PropertyChange{
			{Branch: "branch2", Type: PropertyProtected, Action: ActionAdded, Value: ValuePair{New: false}},
			{Branch: "branch2", Type: PropertyVisible, Action: ActionAdded, Value: ValuePair{New: true}},
		},
	}
	if diff := cmp.Diff(want, got.One); diff != "" {
		t.Errorf("collapsed diff mismatch (-want +got):\n%s", diff)
	}
}

func TestReduceOne_Dropped(t *testing.T) {
	car, john, jane := ref("c1", "TestCar"), ref("p1", "TestPerson"), ref("p2", "TestPerson")

	tests := []struct {
		name string
		recs []RelationshipChange
	}{
		{
			name: "no records",
		},
		{
			name: "two records without a removal",
			recs: []RelationshipChange{
				edge("branch2", "e1", "person_previous__car", ActionAdded, car, john),
				edge("branch2", "e2", "person_previous__car", ActionAdded, car, jane),
			},
		},
		{
			name: "more than two records",
			recs: []RelationshipChange{
				edge("branch2", "e1", "person_previous__car", ActionAdded, car, john),
				edge("branch2", "e2", "person_previous__car", ActionRemoved, car, jane),
				edge("branch2", "e3", "person_previous__car", ActionAdded, car, jane),
			},
		},
		{
			name: "missing peer",
			recs: []RelationshipChange{
				edge("branch2", "e1", "person_previous__car", ActionAdded, car),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (Reducer{}).Reduce("c1", "branch2", previousOwner, tt.recs, nil); got != nil {
				t.Errorf("Reduce() = %+v, want nil", got)
			}
		})
	}
}

func TestReduceMany(t *testing.T) {
	org := ref("org3", "CoreOrganization")
	recs := []RelationshipChange{
		edge("branch2", "e1", "builtintag__coreorganization", ActionAdded, org, ref("red", "BuiltinTag")),
		edge("branch2", "e2", "builtintag__coreorganization", ActionAdded, org, ref("orange", "BuiltinTag")),
	}

	got := Reducer{}.Reduce("org3", "branch2", orgTags, recs, testLabels["branch2"])
	if got == nil || got.Many == nil {
		t.Fatal("Reduce() returned nil for a many relationship")
	}
	if got.Type() != ElementRelationshipMany {
		t.Errorf("Type() = %s, want %s", got.Type(), ElementRelationshipMany)
	}
	if want := (Summary{Added: 2}); got.Many.Summary != want {
		t.Errorf("Summary = %+v, want %+v", got.Many.Summary, want)
	}
	if got.Action() != ActionAdded {
		t.Errorf("Action() = %s, want added", got.Action())
	}

	var peers []string
	for _, p := range got.Many.Peers {
		peers = append(peers, p.Peer.ID)
		if p.Action != ActionAdded {
			t.Errorf("peer %s action = %s, want added", p.Peer.ID, p.Action)
		}
	}
	if diff := cmp.Diff([]string{"red", "orange"}, peers); diff != "" {
		t.Errorf("peers mismatch (-want +got):\n%s", diff)
	}
}

func TestReduceMany_SamePeerTwice(t *testing.T) {
	org, red := ref("org1", "CoreOrganization"), ref("red", "BuiltinTag")
	recs := []RelationshipChange{
		edge("main", "e1", "builtintag__coreorganization", ActionRemoved, org, red),
		edge("main", "e2", "builtintag__coreorganization", ActionAdded, org, red),
		edge("main", "e3", "builtintag__coreorganization", ActionRemoved, org, ref("blue", "BuiltinTag")),
		edge("main", "e4", "builtintag__coreorganization", ActionAdded, org),
	}

	got := Reducer{}.Reduce("org1", "main", orgTags, recs, nil)
	if got == nil {
		t.Fatal("Reduce() = nil")
	}
	if len(got.Many.Peers) != 2 {
		t.Fatalf("len(Peers) = %d, want 2", len(got.Many.Peers))
	}
	if got.Many.Peers[0].Action != ActionUpdated {
		t.Errorf("red action = %s, want updated", got.Many.Peers[0].Action)
	}
	if len(got.Many.Peers[0].Properties) != 4 {
		t.Errorf("red properties = %d, want 4", len(got.Many.Peers[0].Properties))
	}
	if want := (Summary{Removed: 1, Updated: 1}); got.Many.Summary != want {
		t.Errorf("Summary = %+v, want %+v", got.Many.Summary, want)
	}
	if got.Action() != ActionUpdated {
		t.Errorf("Action() = %s, want updated", got.Action())
	}
}
