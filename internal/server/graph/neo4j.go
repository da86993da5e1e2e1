package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/systemshift/graphdiff/internal/diff"
)

// Neo4jConfig holds Neo4j connection configuration
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

// Neo4jRepository implements Repository on Neo4j. Every recorded change is
// a (:NodeChange) or (:RelationshipChange) node; attribute and property
// changes hang off it through HAS_ATTRIBUTE and HAS_PROPERTY.
type Neo4jRepository struct {
	driver        neo4j.DriverWithContext
	database      string
	defaultBranch string
	labels        LabelFields
	now           func() time.Time
}

var _ Repository = (*Neo4jRepository)(nil)

// NewNeo4j creates a new Neo4j repository
func NewNeo4j(ctx context.Context, cfg Neo4jConfig, defaultBranch string, labels LabelFields) (*Neo4jRepository, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}

	// Verify connectivity
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("connecting to neo4j: %w", err)
	}

	database := cfg.Database
	if database == "" {
		database = "neo4j"
	}
	return &Neo4jRepository{
		driver:        driver,
		database:      database,
		defaultBranch: defaultBranch,
		labels:        labels,
		now:           time.Now,
	}, nil
}

// Close closes the Neo4j connection
func (r *Neo4jRepository) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

func (r *Neo4jRepository) session(ctx context.Context) neo4j.SessionWithContext {
	return r.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: r.database})
}

// EnsureIndexes creates the branch constraint and the window indexes
func (r *Neo4jRepository) EnsureIndexes(ctx context.Context) error {
	session := r.session(ctx)
	defer session.Close(ctx)

	statements := []string{
		`CREATE CONSTRAINT branch_name IF NOT EXISTS FOR (b:Branch) REQUIRE b.name IS UNIQUE`,
		`CREATE INDEX node_change_window IF NOT EXISTS FOR (n:NodeChange) ON (n.branch, n.changed_at)`,
		`CREATE INDEX node_change_node IF NOT EXISTS FOR (n:NodeChange) ON (n.branch, n.node_id)`,
		`CREATE INDEX relationship_change_window IF NOT EXISTS FOR (r:RelationshipChange) ON (r.branch, r.changed_at)`,
	}
	for _, stmt := range statements {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}
	return nil
}

// CreateBranch registers a branch created at at, or now when at is zero
func (r *Neo4jRepository) CreateBranch(ctx context.Context, name string, at time.Time) (*Branch, error) {
	if name == "" {
		return nil, errors.New("branch name is required")
	}
	if at.IsZero() {
		at = r.now()
	}
	branch := &Branch{Name: name, CreatedAt: at.UTC(), IsDefault: name == r.defaultBranch}

	session := r.session(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, `MATCH (b:Branch {name: $name}) RETURN b.name AS name`, map[string]any{"name": name})
		if err != nil {
			return nil, err
		}
		if result.Next(ctx) {
			return nil, fmt.Errorf("%w: %s", ErrBranchExists, name)
		}

		query := `CREATE (:Branch {name: $name, created_at: $created_at, is_default: $is_default})`
		params := map[string]any{
			"name":       branch.Name,
			"created_at": formatTime(branch.CreatedAt),
			"is_default": branch.IsDefault,
		}
		_, err = tx.Run(ctx, query, params)
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	return branch, nil
}

// GetBranch retrieves a branch by name
func (r *Neo4jRepository) GetBranch(ctx context.Context, name string) (*Branch, error) {
	session := r.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (b:Branch {name: $name})
			RETURN b.name AS name, b.created_at AS created_at, b.is_default AS is_default
		`
		result, err := tx.Run(ctx, query, map[string]any{"name": name})
		if err != nil {
			return nil, err
		}
		if !result.Next(ctx) {
			return nil, fmt.Errorf("%w: %s", ErrBranchNotFound, name)
		}
		return branchFromRecord(result.Record())
	})
	if err != nil {
		return nil, err
	}
	return result.(*Branch), nil
}

// ListBranches returns every branch, the default branch first
func (r *Neo4jRepository) ListBranches(ctx context.Context) ([]Branch, error) {
	session := r.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (b:Branch)
			RETURN b.name AS name, b.created_at AS created_at, b.is_default AS is_default
			ORDER BY b.is_default DESC, b.created_at, b.name
		`
		result, err := tx.Run(ctx, query, nil)
		if err != nil {
			return nil, err
		}

		branches := []Branch{}
		for result.Next(ctx) {
			b, err := branchFromRecord(result.Record())
			if err != nil {
				return nil, err
			}
			branches = append(branches, *b)
		}
		return branches, result.Err()
	})
	if err != nil {
		return nil, err
	}
	return result.([]Branch), nil
}

func branchFromRecord(record *neo4j.Record) (*Branch, error) {
	createdAt, err := parseTime(recordString(record, "created_at"))
	if err != nil {
		return nil, fmt.Errorf("parsing branch created_at: %w", err)
	}
	v, _ := record.Get("is_default")
	isDefault, _ := v.(bool)
	return &Branch{
		Name:      recordString(record, "name"),
		CreatedAt: createdAt,
		IsDefault: isDefault,
	}, nil
}

// RecordChangeSet stores every change of cs in a single transaction
func (r *Neo4jRepository) RecordChangeSet(ctx context.Context, cs *ChangeSet) error {
	if err := cs.Prepare(r.now()); err != nil {
		return err
	}
	if _, err := r.GetBranch(ctx, cs.Branch); err != nil {
		return err
	}

	session := r.session(ctx)
	defer session.Close(ctx)

	at := formatTime(cs.At)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		seq := 0
		for _, n := range cs.Nodes {
			seq++
			attrs := make([]map[string]any, 0, len(n.Attributes))
			for i, a := range n.Attributes {
				props, err := propertyParams(a.Properties)
				if err != nil {
					return nil, err
				}
				attrs = append(attrs, map[string]any{
					"change_id":    uuid.New().String(),
					"attribute_id": a.ID,
					"name":         a.Name,
					"action":       string(a.Action),
					"seq":          i,
					"properties":   props,
				})
			}

			query := `
				CREATE (n:NodeChange {
					change_id: $change_id, branch: $branch, node_id: $node_id, kind: $kind,
					action: $action, changed_at: $changed_at, seq: $seq
				})
				WITH n
				UNWIND $attributes AS attr
				CREATE (n)-[:HAS_ATTRIBUTE]->(a:AttributeChange {
					change_id: attr.change_id, attribute_id: attr.attribute_id,
					name: attr.name, action: attr.action, seq: attr.seq
				})
				WITH a, attr
				UNWIND attr.properties AS prop
				CREATE (a)-[:HAS_PROPERTY]->(:PropertyChange {
					type: prop.type, action: prop.action, previous: prop.previous, new: prop.new, seq: prop.seq
				})
			`
			params := map[string]any{
				"change_id":  uuid.New().String(),
				"branch":     cs.Branch,
				"node_id":    n.ID,
				"kind":       n.Kind,
				"action":     string(n.Action),
				"changed_at": at,
				"seq":        seq,
				"attributes": attrs,
			}
			if _, err := tx.Run(ctx, query, params); err != nil {
				return nil, fmt.Errorf("creating node change: %w", err)
			}
		}

		for _, rel := range cs.Relationships {
			seq++
			props, err := propertyParams(rel.Properties)
			if err != nil {
				return nil, err
			}
			query := `
				CREATE (rc:RelationshipChange {
					change_id: $change_id, branch: $branch, relationship_id: $relationship_id,
					identifier: $identifier, action: $action, changed_at: $changed_at, seq: $seq,
					source_id: $source_id, source_kind: $source_kind,
					destination_id: $destination_id, destination_kind: $destination_kind
				})
				WITH rc
				UNWIND $properties AS prop
				CREATE (rc)-[:HAS_PROPERTY]->(:PropertyChange {
					type: prop.type, action: prop.action, previous: prop.previous, new: prop.new, seq: prop.seq
				})
			`
			params := map[string]any{
				"change_id":        uuid.New().String(),
				"branch":           cs.Branch,
				"relationship_id":  rel.ID,
				"identifier":       rel.Identifier,
				"action":           string(rel.Action),
				"changed_at":       at,
				"seq":              seq,
				"source_id":        rel.Source.ID,
				"source_kind":      rel.Source.Kind,
				"destination_id":   rel.Destination.ID,
				"destination_kind": rel.Destination.Kind,
				"properties":       props,
			}
			if _, err := tx.Run(ctx, query, params); err != nil {
				return nil, fmt.Errorf("creating relationship change: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

// propertyParams converts properties to Cypher parameters. Values are stored
// as JSON strings since Neo4j properties cannot hold nested maps.
func propertyParams(props []PropertyInput) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(props))
	for i, p := range props {
		previous, err := encodeValue(p.Previous)
		if err != nil {
			return nil, err
		}
		next, err := encodeValue(p.New)
		if err != nil {
			return nil, err
		}
		out = append(out, map[string]any{
			"type":     p.Type,
			"action":   string(p.Action),
			"previous": previous,
			"new":      next,
			"seq":      i,
		})
	}
	return out, nil
}

func (r *Neo4jRepository) window(ctx context.Context, w diff.Window) (diff.Window, []string, error) {
	branch, err := r.GetBranch(ctx, w.Branch)
	if err != nil {
		return w, nil, err
	}
	return resolveWindow(w, branch, r.now()), windowBranches(w, r.defaultBranch), nil
}

// Nodes returns the collapsed node changes of the window
func (r *Neo4jRepository) Nodes(ctx context.Context, w diff.Window) ([]diff.NodeChange, error) {
	w, branches, err := r.window(ctx, w)
	if err != nil {
		return nil, err
	}

	session := r.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (n:NodeChange {branch: $branch})
			WHERE n.changed_at >= $from AND n.changed_at <= $to
			OPTIONAL MATCH (n)-[:HAS_ATTRIBUTE]->(a:AttributeChange)
			OPTIONAL MATCH (a)-[:HAS_PROPERTY]->(p:PropertyChange)
			RETURN n.change_id AS change_id, n.branch AS branch, n.node_id AS node_id, n.kind AS kind,
			       n.action AS action, n.changed_at AS changed_at,
			       a.change_id AS attr_change_id, a.attribute_id AS attr_id, a.name AS attr_name, a.action AS attr_action,
			       p.type AS prop_type, p.action AS prop_action, p.previous AS previous, p.new AS new
			ORDER BY n.changed_at, n.seq, a.seq, p.seq
		`

		var all []nodeRow
		for _, branch := range branches {
			params := map[string]any{"branch": branch, "from": formatTime(w.From), "to": formatTime(w.To)}
			result, err := tx.Run(ctx, query, params)
			if err != nil {
				return nil, err
			}
			for result.Next(ctx) {
				row, err := nodeRowFromRecord(result.Record())
				if err != nil {
					return nil, err
				}
				all = append(all, row)
			}
			if err := result.Err(); err != nil {
				return nil, err
			}
		}
		return all, nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying node changes: %w", err)
	}
	rows, _ := result.([]nodeRow)
	return collapseNodes(rows), nil
}

func nodeRowFromRecord(record *neo4j.Record) (nodeRow, error) {
	changedAt, err := parseTime(recordString(record, "changed_at"))
	if err != nil {
		return nodeRow{}, fmt.Errorf("parsing changed_at: %w", err)
	}
	row := nodeRow{
		ChangeID:     recordString(record, "change_id"),
		Branch:       recordString(record, "branch"),
		NodeID:       recordString(record, "node_id"),
		Kind:         recordString(record, "kind"),
		Action:       diff.ParseAction(recordString(record, "action")),
		ChangedAt:    changedAt,
		AttrChangeID: recordString(record, "attr_change_id"),
		AttrID:       recordString(record, "attr_id"),
		AttrName:     recordString(record, "attr_name"),
		AttrAction:   diff.ParseAction(recordString(record, "attr_action")),
	}
	prop, err := propertyFromRecord(record, changedAt)
	if err != nil {
		return nodeRow{}, err
	}
	row.Prop = prop
	return row, nil
}

// Relationships returns the collapsed edge changes of the window
func (r *Neo4jRepository) Relationships(ctx context.Context, w diff.Window) ([]diff.RelationshipChange, error) {
	w, branches, err := r.window(ctx, w)
	if err != nil {
		return nil, err
	}

	session := r.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (rc:RelationshipChange {branch: $branch})
			WHERE rc.changed_at >= $from AND rc.changed_at <= $to
			OPTIONAL MATCH (rc)-[:HAS_PROPERTY]->(p:PropertyChange)
			RETURN rc.change_id AS change_id, rc.branch AS branch, rc.relationship_id AS relationship_id,
			       rc.identifier AS identifier, rc.action AS action, rc.changed_at AS changed_at,
			       rc.source_id AS source_id, rc.source_kind AS source_kind,
			       rc.destination_id AS destination_id, rc.destination_kind AS destination_kind,
			       p.type AS prop_type, p.action AS prop_action, p.previous AS previous, p.new AS new
			ORDER BY rc.changed_at, rc.seq, p.seq
		`

		var all []relRow
		for _, branch := range branches {
			params := map[string]any{"branch": branch, "from": formatTime(w.From), "to": formatTime(w.To)}
			result, err := tx.Run(ctx, query, params)
			if err != nil {
				return nil, err
			}
			for result.Next(ctx) {
				record := result.Record()
				changedAt, err := parseTime(recordString(record, "changed_at"))
				if err != nil {
					return nil, fmt.Errorf("parsing changed_at: %w", err)
				}
				prop, err := propertyFromRecord(record, changedAt)
				if err != nil {
					return nil, err
				}
				all = append(all, relRow{
					ChangeID:    recordString(record, "change_id"),
					Branch:      recordString(record, "branch"),
					RelID:       recordString(record, "relationship_id"),
					Identifier:  recordString(record, "identifier"),
					Action:      diff.ParseAction(recordString(record, "action")),
					ChangedAt:   changedAt,
					Source:      diff.NodeRef{ID: recordString(record, "source_id"), Kind: recordString(record, "source_kind")},
					Destination: diff.NodeRef{ID: recordString(record, "destination_id"), Kind: recordString(record, "destination_kind")},
					Prop:        prop,
				})
			}
			if err := result.Err(); err != nil {
				return nil, err
			}
		}
		return all, nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying relationship changes: %w", err)
	}
	rows, _ := result.([]relRow)
	return collapseRelationships(rows), nil
}

func propertyFromRecord(record *neo4j.Record, at time.Time) (*propertyRow, error) {
	typ := recordString(record, "prop_type")
	if typ == "" {
		return nil, nil
	}
	previous, err := decodeJSON(record, "previous")
	if err != nil {
		return nil, err
	}
	next, err := decodeJSON(record, "new")
	if err != nil {
		return nil, err
	}
	return &propertyRow{
		Type:      typ,
		Action:    diff.ParseAction(recordString(record, "prop_action")),
		Previous:  previous,
		New:       next,
		ChangedAt: at,
	}, nil
}

// Conflicts returns the attribute properties changed on both the branch and
// the default branch inside the window
func (r *Neo4jRepository) Conflicts(ctx context.Context, w diff.Window) ([]diff.Conflict, error) {
	if len(windowBranches(w, r.defaultBranch)) < 2 {
		return []diff.Conflict{}, nil
	}
	nodes, err := r.Nodes(ctx, w)
	if err != nil {
		return nil, err
	}
	return conflictsFrom(nodes), nil
}

// DisplayLabels renders the labels of ids from the latest values of the
// kind's label attributes, falling back to the default branch
func (r *Neo4jRepository) DisplayLabels(ctx context.Context, branch, kind string, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if r.labels == nil || len(ids) == 0 {
		return out, nil
	}
	fields := r.labels.DisplayLabelFields(branch, kind)
	if len(fields) == 0 {
		return out, nil
	}

	lookup := []string{r.defaultBranch}
	if branch != r.defaultBranch {
		lookup = append(lookup, branch)
	}

	session := r.session(ctx)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (n:NodeChange {branch: $branch, kind: $kind})-[:HAS_ATTRIBUTE]->(a:AttributeChange)
			      -[:HAS_PROPERTY]->(p:PropertyChange {type: $type})
			WHERE n.node_id IN $ids AND a.name IN $fields
			RETURN n.node_id AS node_id, a.name AS name, p.action AS action, p.new AS new
			ORDER BY n.changed_at, n.seq, p.seq
		`

		values := make(map[string]map[string]any, len(ids))
		for _, b := range lookup {
			params := map[string]any{"branch": b, "kind": kind, "type": diff.PropertyValue, "ids": ids, "fields": fields}
			result, err := tx.Run(ctx, query, params)
			if err != nil {
				return nil, err
			}
			for result.Next(ctx) {
				record := result.Record()
				id, name := recordString(record, "node_id"), recordString(record, "name")
				v, err := decodeJSON(record, "new")
				if err != nil {
					return nil, err
				}
				if values[id] == nil {
					values[id] = make(map[string]any)
				}
				if diff.Action(recordString(record, "action")) == diff.ActionRemoved {
					delete(values[id], name)
					continue
				}
				values[id][name] = v
			}
			if err := result.Err(); err != nil {
				return nil, err
			}
		}
		return values, nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying label values: %w", err)
	}

	for id, v := range result.(map[string]map[string]any) {
		if label := renderLabel(fields, v); label != "" {
			out[id] = label
		}
	}
	return out, nil
}

func recordString(record *neo4j.Record, key string) string {
	v, ok := record.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func decodeJSON(record *neo4j.Record, key string) (any, error) {
	raw := recordString(record, key)
	if raw == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decoding property value: %w", err)
	}
	return v, nil
}
