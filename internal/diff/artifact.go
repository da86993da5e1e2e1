package diff

// KindArtifact is the node kind of generated artifacts.
const KindArtifact = "CoreArtifact"

// ArtifactStorage points at one stored version of an artifact.
type ArtifactStorage struct {
	StorageID any `json:"storage_id"`
	Checksum  any `json:"checksum"`
}

// ArtifactDiff summarizes how an artifact changed on one branch.
type ArtifactDiff struct {
	Branch       string           `json:"branch"`
	ID           string           `json:"id"`
	DisplayLabel string           `json:"display_label"`
	Action       Action           `json:"action"`
	ItemNew      *ArtifactStorage `json:"item_new"`
	ItemPrevious *ArtifactStorage `json:"item_previous"`
}

// Artifacts extracts artifact changes from a payload built with KindArtifact
// in its kind filter. Entries missing storage_id or checksum are skipped.
func Artifacts(p *Payload) []ArtifactDiff {
	out := []ArtifactDiff{}
	for _, e := range p.Diffs {
		if e.Kind != KindArtifact {
			continue
		}
		storage, ok := e.Elements.Get("storage_id")
		if !ok || storage.Attribute == nil {
			continue
		}
		checksum, ok := e.Elements.Get("checksum")
		if !ok || checksum.Attribute == nil {
			continue
		}
		for _, ba := range e.Action {
			sv := valueOn(storage.Attribute, ba.Branch)
			cv := valueOn(checksum.Attribute, ba.Branch)
			ad := ArtifactDiff{
				Branch:       ba.Branch,
				ID:           e.ID,
				DisplayLabel: e.LabelOn(ba.Branch),
				Action:       ba.Action,
			}
			if ba.Action == ActionAdded || ba.Action == ActionUpdated {
				ad.ItemNew = &ArtifactStorage{StorageID: sv.New, Checksum: cv.New}
			}
			if ba.Action == ActionRemoved || ba.Action == ActionUpdated {
				ad.ItemPrevious = &ArtifactStorage{StorageID: sv.Previous, Checksum: cv.Previous}
			}
			out = append(out, ad)
		}
	}
	return out
}

func valueOn(attr *AttributeElement, branch string) ValuePair {
	if attr.Value == nil {
		return ValuePair{}
	}
	for _, c := range attr.Value.Changes {
		if c.Branch == branch {
			return c.Value
		}
	}
	return ValuePair{}
}
