// Package schema holds the node kind definitions the diff engine and the
// change stores resolve relationships and display labels against.
package schema

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/systemshift/graphdiff/internal/diff"
)

// Internal kinds describing the schema itself. Schema diffs are computed by
// filtering on these.
const (
	KindSchemaNode         = "SchemaNode"
	KindSchemaAttribute    = "SchemaAttribute"
	KindSchemaRelationship = "SchemaRelationship"
	KindSchemaGeneric      = "SchemaGeneric"
)

// SchemaKinds lists the internal schema kinds.
var SchemaKinds = []string{KindSchemaNode, KindSchemaAttribute, KindSchemaRelationship, KindSchemaGeneric}

// ErrInvalid is returned for schema documents that fail validation.
var ErrInvalid = errors.New("invalid schema")

// Relationship defines a relationship field of a kind.
type Relationship struct {
	Name        string           `yaml:"name" json:"name"`
	Identifier  string           `yaml:"identifier" json:"identifier"`
	Peer        string           `yaml:"peer" json:"peer"`
	Cardinality diff.Cardinality `yaml:"cardinality" json:"cardinality"`
}

// Kind defines one node kind.
type Kind struct {
	Name          string         `yaml:"name" json:"name"`
	Attributes    []string       `yaml:"attributes" json:"attributes"`
	DisplayLabels []string       `yaml:"display_labels" json:"display_labels"`
	Relationships []Relationship `yaml:"relationships" json:"relationships"`
}

// Document is the on-disk schema format. Branches overrides kinds per branch;
// a branch only needs to list the kinds that differ from the default.
type Document struct {
	Kinds    []Kind            `yaml:"kinds" json:"kinds"`
	Branches map[string][]Kind `yaml:"branches" json:"branches,omitempty"`
}

type kindSet struct {
	order  []string
	byName map[string]*Kind
}

func newKindSet(kinds []Kind) (*kindSet, error) {
	ks := &kindSet{byName: make(map[string]*Kind, len(kinds))}
	for i := range kinds {
		k := kinds[i]
		if k.Name == "" {
			return nil, fmt.Errorf("%w: kind #%d has no name", ErrInvalid, i)
		}
		if _, ok := ks.byName[k.Name]; ok {
			return nil, fmt.Errorf("%w: kind %q defined twice", ErrInvalid, k.Name)
		}
		if err := validateKind(&k); err != nil {
			return nil, err
		}
		ks.order = append(ks.order, k.Name)
		ks.byName[k.Name] = &k
	}
	return ks, nil
}

func validateKind(k *Kind) error {
	fields := make(map[string]bool, len(k.Attributes)+len(k.Relationships))
	for _, a := range k.Attributes {
		fields[a] = true
	}
	seen := make(map[string]bool, len(k.Relationships))
	for i := range k.Relationships {
		rel := &k.Relationships[i]
		if rel.Name == "" || rel.Identifier == "" {
			return fmt.Errorf("%w: kind %q relationship #%d needs a name and an identifier", ErrInvalid, k.Name, i)
		}
		if fields[rel.Name] {
			return fmt.Errorf("%w: kind %q field %q is both an attribute and a relationship", ErrInvalid, k.Name, rel.Name)
		}
		if seen[rel.Identifier] {
			return fmt.Errorf("%w: kind %q identifier %q used twice", ErrInvalid, k.Name, rel.Identifier)
		}
		seen[rel.Identifier] = true
		switch rel.Cardinality {
		case diff.CardinalityOne, diff.CardinalityMany:
		case "":
			rel.Cardinality = diff.CardinalityMany
		default:
			return fmt.Errorf("%w: kind %q relationship %q has cardinality %q", ErrInvalid, k.Name, rel.Name, rel.Cardinality)
		}
	}
	return nil
}

// Registry is a concurrency-safe, replaceable set of kind definitions.
// It implements diff.Schema.
type Registry struct {
	mu       sync.RWMutex
	doc      Document
	defaults *kindSet
	branches map[string]*kindSet
}

// NewRegistry builds a registry from doc.
func NewRegistry(doc Document) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(doc); err != nil {
		return nil, err
	}
	return r, nil
}

// Parse reads a YAML schema document.
func Parse(rd io.Reader) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(rd)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return Document{}, fmt.Errorf("decoding schema: %w", err)
	}
	return doc, nil
}

// LoadFile reads and parses the schema file at path.
func LoadFile(path string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return Document{}, fmt.Errorf("opening schema: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Open builds a registry from the schema file at path.
func Open(path string) (*Registry, error) {
	doc, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return NewRegistry(doc)
}

// Replace validates doc and swaps it in. On error the current definitions are kept.
func (r *Registry) Replace(doc Document) error {
	defaults, err := newKindSet(doc.Kinds)
	if err != nil {
		return err
	}
	branches := make(map[string]*kindSet, len(doc.Branches))
	for name, kinds := range doc.Branches {
		ks, err := newKindSet(kinds)
		if err != nil {
			return fmt.Errorf("branch %s: %w", name, err)
		}
		branches[name] = ks
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc = doc
	r.defaults = defaults
	r.branches = branches
	return nil
}

// Document returns the current schema document.
func (r *Registry) Document() Document {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc
}

// Kinds returns the kind names of the default schema in definition order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaults == nil {
		return nil
	}
	return append([]string(nil), r.defaults.order...)
}

// UserKinds returns the kinds known on branch without the internal schema
// kinds: the default kinds in definition order, then the kinds only the
// branch override defines.
func (r *Registry) UserKinds(branch string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sets []*kindSet
	if r.defaults != nil {
		sets = append(sets, r.defaults)
	}
	if ks, ok := r.branches[branch]; ok {
		sets = append(sets, ks)
	}

	var out []string
	seen := make(map[string]bool)
	for _, ks := range sets {
		for _, name := range ks.order {
			if seen[name] || IsSchemaKind(name) {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// Kind returns the definition of name on branch, falling back to the default schema.
func (r *Registry) Kind(branch, name string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k := r.lookup(branch, name)
	if k == nil {
		return Kind{}, false
	}
	return *k, true
}

func (r *Registry) lookup(branch, name string) *Kind {
	if ks, ok := r.branches[branch]; ok {
		if k, ok := ks.byName[name]; ok {
			return k
		}
	}
	if r.defaults == nil {
		return nil
	}
	return r.defaults.byName[name]
}

// DisplayLabelFields returns the attributes rendering the label of kind on branch.
func (r *Registry) DisplayLabelFields(branch, kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k := r.lookup(branch, kind)
	if k == nil {
		return nil
	}
	return k.DisplayLabels
}

// RelationshipByIdentifier resolves the relationship of kind on branch
// carrying identifier.
func (r *Registry) RelationshipByIdentifier(branch, kind, identifier string) (diff.RelationshipSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k := r.lookup(branch, kind)
	if k == nil {
		return diff.RelationshipSchema{}, false
	}
	for _, rel := range k.Relationships {
		if rel.Identifier == identifier {
			return diff.RelationshipSchema{
				Name:        rel.Name,
				Identifier:  rel.Identifier,
				Cardinality: rel.Cardinality,
			}, true
		}
	}
	return diff.RelationshipSchema{}, false
}

// IsSchemaKind reports whether kind is one of the internal schema kinds.
func IsSchemaKind(kind string) bool {
	for _, k := range SchemaKinds {
		if k == kind {
			return true
		}
	}
	return false
}
