package diff

import "fmt"

// NormalizeProperty turns a raw property record into a branch-tagged PropertyChange.
func NormalizeProperty(branch string, rec PropertyRecord) PropertyChange {
	action := rec.Action
	if !action.Valid() {
		action = ActionUnchanged
	}
	return PropertyChange{
		Branch:    branch,
		Type:      rec.Type,
		ChangedAt: rec.ChangedAt,
		Action:    action,
		Value: ValuePair{
			New:      rec.New,
			Previous: rec.Previous,
		},
	}
}

// NormalizeProperties normalizes a list of records, keeping their order.
func NormalizeProperties(branch string, recs []PropertyRecord) []PropertyChange {
	out := make([]PropertyChange, 0, len(recs))
	for _, rec := range recs {
		out = append(out, NormalizeProperty(branch, rec))
	}
	return out
}

func propertyPath(base, propertyType string) string {
	return fmt.Sprintf("%s/property/%s", base, propertyType)
}

// appendProperty adds change to the per-type collection under base, creating
// the collection on first use.
func appendProperty(props *Ordered[*PropertyChangeCollection], base string, change PropertyChange) {
	coll, ok := props.Get(change.Type)
	if !ok {
		coll = &PropertyChangeCollection{Path: propertyPath(base, change.Type)}
		props.Set(change.Type, coll)
	}
	coll.Changes = append(coll.Changes, change)
}
