package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/systemshift/graphdiff/internal/diff"
)

// SQLiteRepository implements Repository using SQLite
type SQLiteRepository struct {
	db            *sql.DB
	defaultBranch string
	labels        LabelFields
	now           func() time.Time
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLite creates a new SQLite repository
func NewSQLite(ctx context.Context, dbPath, defaultBranch string, labels LabelFields) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	// Verify connectivity
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to sqlite: %w", err)
	}

	repo := &SQLiteRepository{
		db:            db,
		defaultBranch: defaultBranch,
		labels:        labels,
		now:           time.Now,
	}

	for _, pragma := range allPragmas() {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	for _, stmt := range allSchemaStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	return repo, nil
}

// Close closes the SQLite connection
func (r *SQLiteRepository) Close(ctx context.Context) error {
	return r.db.Close()
}

// EnsureIndexes creates the window and join indexes
func (r *SQLiteRepository) EnsureIndexes(ctx context.Context) error {
	for _, stmt := range allIndexStatements() {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}
	return nil
}

// CreateBranch registers a branch created at at, or now when at is zero
func (r *SQLiteRepository) CreateBranch(ctx context.Context, name string, at time.Time) (*Branch, error) {
	if name == "" {
		return nil, errors.New("branch name is required")
	}
	if at.IsZero() {
		at = r.now()
	}
	branch := &Branch{Name: name, CreatedAt: at.UTC(), IsDefault: name == r.defaultBranch}

	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO branches (name, created_at, is_default) VALUES (?, ?, ?)`,
		branch.Name, formatTime(branch.CreatedAt), boolToInt(branch.IsDefault))
	if err != nil {
		return nil, fmt.Errorf("inserting branch: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrBranchExists, name)
	}
	return branch, nil
}

// GetBranch retrieves a branch by name
func (r *SQLiteRepository) GetBranch(ctx context.Context, name string) (*Branch, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT name, created_at, is_default FROM branches WHERE name = ?`, name)
	b, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBranchNotFound, name)
	}
	return b, err
}

// ListBranches returns every branch, the default branch first
func (r *SQLiteRepository) ListBranches(ctx context.Context) ([]Branch, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, created_at, is_default FROM branches ORDER BY is_default DESC, created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	defer rows.Close()

	branches := []Branch{}
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		branches = append(branches, *b)
	}
	return branches, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBranch(s rowScanner) (*Branch, error) {
	var (
		b         Branch
		createdAt string
		isDefault int
	)
	if err := s.Scan(&b.Name, &createdAt, &isDefault); err != nil {
		return nil, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing branch created_at: %w", err)
	}
	b.CreatedAt = t
	b.IsDefault = isDefault == 1
	return &b, nil
}

// RecordChangeSet stores every change of cs in a single transaction
func (r *SQLiteRepository) RecordChangeSet(ctx context.Context, cs *ChangeSet) error {
	if err := cs.Prepare(r.now()); err != nil {
		return err
	}
	if _, err := r.GetBranch(ctx, cs.Branch); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	at := formatTime(cs.At)
	for _, n := range cs.Nodes {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO node_changes (branch, node_id, kind, action, changed_at) VALUES (?, ?, ?, ?, ?)`,
			cs.Branch, n.ID, n.Kind, string(n.Action), at)
		if err != nil {
			return fmt.Errorf("inserting node change: %w", err)
		}
		nodeChangeID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		for _, a := range n.Attributes {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO attribute_changes (node_change_id, attribute_id, name, action) VALUES (?, ?, ?, ?)`,
				nodeChangeID, a.ID, a.Name, string(a.Action))
			if err != nil {
				return fmt.Errorf("inserting attribute change: %w", err)
			}
			attrChangeID, err := res.LastInsertId()
			if err != nil {
				return err
			}
			if err := insertProperties(ctx, tx, "property_changes", "attribute_change_id", attrChangeID, a.Properties); err != nil {
				return err
			}
		}
	}

	for _, rel := range cs.Relationships {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO relationship_changes
			 (branch, relationship_id, identifier, action, changed_at, source_id, source_kind, destination_id, destination_kind)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cs.Branch, rel.ID, rel.Identifier, string(rel.Action), at,
			rel.Source.ID, rel.Source.Kind, rel.Destination.ID, rel.Destination.Kind)
		if err != nil {
			return fmt.Errorf("inserting relationship change: %w", err)
		}
		relChangeID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if err := insertProperties(ctx, tx, "relationship_property_changes", "relationship_change_id", relChangeID, rel.Properties); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing change set: %w", err)
	}
	return nil
}

func insertProperties(ctx context.Context, tx *sql.Tx, table, parentColumn string, parentID int64, props []PropertyInput) error {
	query := fmt.Sprintf(`INSERT INTO %s (%s, type, action, previous, new) VALUES (?, ?, ?, ?, ?)`, table, parentColumn)
	for _, p := range props {
		previous, err := encodeValue(p.Previous)
		if err != nil {
			return err
		}
		next, err := encodeValue(p.New)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, parentID, p.Type, string(p.Action), previous, next); err != nil {
			return fmt.Errorf("inserting %s: %w", table, err)
		}
	}
	return nil
}

func (r *SQLiteRepository) window(ctx context.Context, w diff.Window) (diff.Window, []string, error) {
	branch, err := r.GetBranch(ctx, w.Branch)
	if err != nil {
		return w, nil, err
	}
	return resolveWindow(w, branch, r.now()), windowBranches(w, r.defaultBranch), nil
}

// Nodes returns the collapsed node changes of the window
func (r *SQLiteRepository) Nodes(ctx context.Context, w diff.Window) ([]diff.NodeChange, error) {
	w, branches, err := r.window(ctx, w)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT n.id, n.branch, n.node_id, n.kind, n.action, n.changed_at,
		       a.id, a.attribute_id, a.name, a.action,
		       p.type, p.action, p.previous, p.new
		FROM node_changes n
		LEFT JOIN attribute_changes a ON a.node_change_id = n.id
		LEFT JOIN property_changes p ON p.attribute_change_id = a.id
		WHERE n.branch = ? AND n.changed_at >= ? AND n.changed_at <= ?
		ORDER BY n.changed_at, n.id, a.id, p.id
	`

	var all []nodeRow
	for _, branch := range branches {
		rows, err := r.db.QueryContext(ctx, query, branch, formatTime(w.From), formatTime(w.To))
		if err != nil {
			return nil, fmt.Errorf("querying node changes: %w", err)
		}
		batch, err := scanNodeRows(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
	}
	return collapseNodes(all), nil
}

func scanNodeRows(rows *sql.Rows) ([]nodeRow, error) {
	defer rows.Close()

	var out []nodeRow
	for rows.Next() {
		var (
			row                       nodeRow
			changeID                  int64
			action, changedAt         string
			attrChangeID              sql.NullInt64
			attrID, attrName, attrAct sql.NullString
			propType, propAct         sql.NullString
			previous, next            sql.NullString
		)
		if err := rows.Scan(&changeID, &row.Branch, &row.NodeID, &row.Kind, &action, &changedAt,
			&attrChangeID, &attrID, &attrName, &attrAct,
			&propType, &propAct, &previous, &next); err != nil {
			return nil, fmt.Errorf("scanning node change: %w", err)
		}

		t, err := parseTime(changedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing changed_at: %w", err)
		}
		row.ChangeID = strconv.FormatInt(changeID, 10)
		row.Action = diff.ParseAction(action)
		row.ChangedAt = t

		if attrChangeID.Valid {
			row.AttrChangeID = strconv.FormatInt(attrChangeID.Int64, 10)
			row.AttrID = attrID.String
			row.AttrName = attrName.String
			row.AttrAction = diff.ParseAction(attrAct.String)
		}
		if propType.Valid {
			prop, err := decodeProperty(propType.String, propAct.String, previous, next, t)
			if err != nil {
				return nil, err
			}
			row.Prop = prop
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Relationships returns the collapsed edge changes of the window
func (r *SQLiteRepository) Relationships(ctx context.Context, w diff.Window) ([]diff.RelationshipChange, error) {
	w, branches, err := r.window(ctx, w)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT rc.id, rc.branch, rc.relationship_id, rc.identifier, rc.action, rc.changed_at,
		       rc.source_id, rc.source_kind, rc.destination_id, rc.destination_kind,
		       p.type, p.action, p.previous, p.new
		FROM relationship_changes rc
		LEFT JOIN relationship_property_changes p ON p.relationship_change_id = rc.id
		WHERE rc.branch = ? AND rc.changed_at >= ? AND rc.changed_at <= ?
		ORDER BY rc.changed_at, rc.id, p.id
	`

	var all []relRow
	for _, branch := range branches {
		rows, err := r.db.QueryContext(ctx, query, branch, formatTime(w.From), formatTime(w.To))
		if err != nil {
			return nil, fmt.Errorf("querying relationship changes: %w", err)
		}
		batch, err := scanRelRows(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
	}
	return collapseRelationships(all), nil
}

func scanRelRows(rows *sql.Rows) ([]relRow, error) {
	defer rows.Close()

	var out []relRow
	for rows.Next() {
		var (
			row               relRow
			changeID          int64
			action, changedAt string
			propType, propAct sql.NullString
			previous, next    sql.NullString
		)
		if err := rows.Scan(&changeID, &row.Branch, &row.RelID, &row.Identifier, &action, &changedAt,
			&row.Source.ID, &row.Source.Kind, &row.Destination.ID, &row.Destination.Kind,
			&propType, &propAct, &previous, &next); err != nil {
			return nil, fmt.Errorf("scanning relationship change: %w", err)
		}

		t, err := parseTime(changedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing changed_at: %w", err)
		}
		row.ChangeID = strconv.FormatInt(changeID, 10)
		row.Action = diff.ParseAction(action)
		row.ChangedAt = t

		if propType.Valid {
			prop, err := decodeProperty(propType.String, propAct.String, previous, next, t)
			if err != nil {
				return nil, err
			}
			row.Prop = prop
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Conflicts returns the attribute properties changed on both the branch and
// the default branch inside the window
func (r *SQLiteRepository) Conflicts(ctx context.Context, w diff.Window) ([]diff.Conflict, error) {
	if len(windowBranches(w, r.defaultBranch)) < 2 {
		return []diff.Conflict{}, nil
	}
	nodes, err := r.Nodes(ctx, w)
	if err != nil {
		return nil, err
	}
	return conflictsFrom(nodes), nil
}

// labelBatchSize bounds the ids bound into one label query. SQLite rejects
// statements with more than 32766 variables.
var labelBatchSize = 1000

// DisplayLabels renders the labels of ids from the latest values of the
// kind's label attributes, falling back to the default branch
func (r *SQLiteRepository) DisplayLabels(ctx context.Context, branch, kind string, ids []string) (map[string]string, error) {
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

	values := make(map[string]map[string]any, len(ids))
	for _, b := range lookup {
		for start := 0; start < len(ids); start += labelBatchSize {
			end := min(start+labelBatchSize, len(ids))
			if err := r.latestValues(ctx, b, kind, ids[start:end], fields, values); err != nil {
				return nil, err
			}
		}
	}
	for id, v := range values {
		if label := renderLabel(fields, v); label != "" {
			out[id] = label
		}
	}
	return out, nil
}

// latestValues overlays onto values the latest HAS_VALUE of fields on branch.
func (r *SQLiteRepository) latestValues(ctx context.Context, branch, kind string, ids, fields []string, values map[string]map[string]any) error {
	query := fmt.Sprintf(`
		SELECT n.node_id, a.name, p.action, p.new
		FROM property_changes p
		JOIN attribute_changes a ON p.attribute_change_id = a.id
		JOIN node_changes n ON a.node_change_id = n.id
		WHERE n.branch = ? AND n.kind = ? AND p.type = ?
		  AND n.node_id IN (%s) AND a.name IN (%s)
		ORDER BY n.changed_at, p.id
	`, placeholders(len(ids)), placeholders(len(fields)))

	args := []any{branch, kind, diff.PropertyValue}
	for _, id := range ids {
		args = append(args, id)
	}
	for _, f := range fields {
		args = append(args, f)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("querying label values: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, name, action string
			raw              sql.NullString
		)
		if err := rows.Scan(&id, &name, &action, &raw); err != nil {
			return fmt.Errorf("scanning label value: %w", err)
		}
		v, err := decodeValue(raw)
		if err != nil {
			return err
		}
		if values[id] == nil {
			values[id] = make(map[string]any)
		}
		if diff.Action(action) == diff.ActionRemoved {
			delete(values[id], name)
			continue
		}
		values[id][name] = v
	}
	return rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func encodeValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding property value: %w", err)
	}
	return string(b), nil
}

func decodeValue(ns sql.NullString) (any, error) {
	if !ns.Valid {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(ns.String), &v); err != nil {
		return nil, fmt.Errorf("decoding property value: %w", err)
	}
	return v, nil
}

func decodeProperty(typ, action string, previous, next sql.NullString, at time.Time) (*propertyRow, error) {
	prev, err := decodeValue(previous)
	if err != nil {
		return nil, err
	}
	nv, err := decodeValue(next)
	if err != nil {
		return nil, err
	}
	return &propertyRow{
		Type:      typ,
		Action:    diff.ParseAction(action),
		Previous:  prev,
		New:       nv,
		ChangedAt: at,
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
