package diff

import (
	"log/slog"
	"time"
)

// RelationshipOneDiff is a single-peer relationship reduced for one branch.
type RelationshipOneDiff struct {
	ID         string
	Action     Action
	ChangedAt  *time.Time
	New        *PeerRef
	Previous   *PeerRef
	Properties []PropertyChange
}

// ManyPeer is one peer of a multi-peer relationship on one branch.
type ManyPeer struct {
	ID         string
	Peer       PeerRef
	Action     Action
	ChangedAt  *time.Time
	Properties []PropertyChange
}

// RelationshipManyDiff is a multi-peer relationship reduced for one branch.
type RelationshipManyDiff struct {
	Peers   []*ManyPeer
	Summary Summary
}

// RelationshipDiff is the reduced change of one relationship slot of one node
// on one branch. One or Many is set according to the schema cardinality.
type RelationshipDiff struct {
	Schema RelationshipSchema
	Branch string
	One    *RelationshipOneDiff
	Many   *RelationshipManyDiff
}

// Name returns the relationship field name.
func (d *RelationshipDiff) Name() string {
	return d.Schema.Name
}

// Type returns the element type the relationship contributes.
func (d *RelationshipDiff) Type() ElementType {
	return d.Schema.ElementType()
}

// Action returns the relationship-level action on its branch.
func (d *RelationshipDiff) Action() Action {
	if d.One != nil {
		return d.One.Action
	}
	if d.Many != nil {
		return d.Many.Summary.Action()
	}
	return ActionUnchanged
}

// Reducer collapses raw edge records into relationship diffs.
type Reducer struct {
	Logger *slog.Logger
}

func (r Reducer) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Reduce builds the diff of the relationship slot rel of nodeID on branch from
// its raw edge records. It returns nil when there is nothing to report or the
// records cannot be represented, in which case a diagnostic is logged.
func (r Reducer) Reduce(nodeID, branch string, rel RelationshipSchema, recs []RelationshipChange, labels map[string]string) *RelationshipDiff {
	if len(recs) == 0 {
		return nil
	}
	switch rel.Cardinality {
	case CardinalityOne:
		one := r.reduceOne(nodeID, branch, rel, recs, labels)
		if one == nil {
			return nil
		}
		return &RelationshipDiff{Schema: rel, Branch: branch, One: one}
	default:
		many := r.reduceMany(nodeID, branch, rel, recs, labels)
		if many == nil {
			return nil
		}
		return &RelationshipDiff{Schema: rel, Branch: branch, Many: many}
	}
}

func (r Reducer) reduceOne(nodeID, branch string, rel RelationshipSchema, recs []RelationshipChange, labels map[string]string) *RelationshipOneDiff {
	switch len(recs) {
	case 1:
		rec := recs[0]
		peer, ok := r.peer(nodeID, branch, rel, rec, labels)
		if !ok {
			return nil
		}
		one := &RelationshipOneDiff{
			ID:         rec.ID,
			Action:     rec.Action,
			ChangedAt:  rec.ChangedAt,
			Properties: NormalizeProperties(branch, rec.Properties),
		}
		if rec.Action == ActionAdded {
			one.New = peer
		} else {
			one.Previous = peer
		}
		return one

	case 2:
		var added, removed *RelationshipChange
		for i := range recs {
			switch recs[i].Action {
			case ActionAdded:
				added = &recs[i]
			case ActionRemoved:
				removed = &recs[i]
			}
		}
		if added == nil || removed == nil {
			r.logger().Warn("relationship: two records without an add/remove pair, dropping",
				slog.String("node_id", nodeID),
				slog.String("relationship", rel.Name),
				slog.String("branch", branch),
				slog.String("first", string(recs[0].Action)),
				slog.String("second", string(recs[1].Action)))
			droppedContributions.WithLabelValues(dropNotComplementary).Inc()
			return nil
		}
		newPeer, ok := r.peer(nodeID, branch, rel, *added, labels)
		if !ok {
			return nil
		}
		previousPeer, ok := r.peer(nodeID, branch, rel, *removed, labels)
		if !ok {
			return nil
		}
		return &RelationshipOneDiff{
			ID:         added.ID,
			Action:     ActionUpdated,
			ChangedAt:  added.ChangedAt,
			New:        newPeer,
			Previous:   previousPeer,
			Properties: NormalizeProperties(branch, added.Properties),
		}
	}

	// A single slot should never see more than one add/remove pair per window.
	r.logger().Warn("relationship: more than 2 records for a single-peer relationship, dropping",
		slog.String("node_id", nodeID),
		slog.String("relationship", rel.Name),
		slog.String("branch", branch),
		slog.Int("records", len(recs)))
	droppedContributions.WithLabelValues(dropPeerCount).Inc()
	return nil
}

func (r Reducer) reduceMany(nodeID, branch string, rel RelationshipSchema, recs []RelationshipChange, labels map[string]string) *RelationshipManyDiff {
	many := &RelationshipManyDiff{}
	byPeer := make(map[string]*ManyPeer)

	for _, rec := range recs {
		peer, ok := r.peer(nodeID, branch, rel, rec, labels)
		if !ok {
			continue
		}
		props := NormalizeProperties(branch, rec.Properties)
		if existing, ok := byPeer[peer.ID]; ok {
			existing.Action = existing.Action.Merge(rec.Action)
			existing.Properties = append(existing.Properties, props...)
			if rec.ChangedAt != nil {
				existing.ChangedAt = rec.ChangedAt
			}
			continue
		}
		mp := &ManyPeer{
			ID:         rec.ID,
			Peer:       *peer,
			Action:     rec.Action,
			ChangedAt:  rec.ChangedAt,
			Properties: props,
		}
		byPeer[peer.ID] = mp
		many.Peers = append(many.Peers, mp)
	}

	if len(many.Peers) == 0 {
		return nil
	}
	for _, p := range many.Peers {
		many.Summary.Inc(p.Action)
	}
	return many
}

func (r Reducer) peer(nodeID, branch string, rel RelationshipSchema, rec RelationshipChange, labels map[string]string) (*PeerRef, bool) {
	ref, ok := rec.Peer(nodeID)
	if !ok {
		r.logger().Warn("relationship: unable to find the peer of the node",
			slog.String("node_id", nodeID),
			slog.String("relationship", rel.Name),
			slog.String("branch", branch),
			slog.String("edge_id", rec.ID))
		droppedContributions.WithLabelValues(dropMissingPeer).Inc()
		return nil, false
	}
	return &PeerRef{ID: ref.ID, Kind: ref.Kind, DisplayLabel: labels[ref.ID]}, true
}
