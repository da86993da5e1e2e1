package graph

// SQLite schema DDL constants

const schemaBranches = `
CREATE TABLE IF NOT EXISTS branches (
    name TEXT PRIMARY KEY,
    created_at TEXT NOT NULL,
    is_default INTEGER NOT NULL DEFAULT 0
)`

const schemaNodeChanges = `
CREATE TABLE IF NOT EXISTS node_changes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    branch TEXT NOT NULL REFERENCES branches(name),
    node_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    action TEXT NOT NULL,
    changed_at TEXT NOT NULL
)`

const schemaAttributeChanges = `
CREATE TABLE IF NOT EXISTS attribute_changes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    node_change_id INTEGER NOT NULL REFERENCES node_changes(id) ON DELETE CASCADE,
    attribute_id TEXT NOT NULL,
    name TEXT NOT NULL,
    action TEXT NOT NULL
)`

const schemaPropertyChanges = `
CREATE TABLE IF NOT EXISTS property_changes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    attribute_change_id INTEGER NOT NULL REFERENCES attribute_changes(id) ON DELETE CASCADE,
    type TEXT NOT NULL,
    action TEXT NOT NULL,
    previous TEXT,
    new TEXT
)`

const schemaRelationshipChanges = `
CREATE TABLE IF NOT EXISTS relationship_changes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    branch TEXT NOT NULL REFERENCES branches(name),
    relationship_id TEXT NOT NULL,
    identifier TEXT NOT NULL,
    action TEXT NOT NULL,
    changed_at TEXT NOT NULL,
    source_id TEXT NOT NULL,
    source_kind TEXT NOT NULL,
    destination_id TEXT NOT NULL,
    destination_kind TEXT NOT NULL
)`

const schemaRelationshipPropertyChanges = `
CREATE TABLE IF NOT EXISTS relationship_property_changes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    relationship_change_id INTEGER NOT NULL REFERENCES relationship_changes(id) ON DELETE CASCADE,
    type TEXT NOT NULL,
    action TEXT NOT NULL,
    previous TEXT,
    new TEXT
)`

// Index definitions
const indexNodeChangesWindow = `CREATE INDEX IF NOT EXISTS idx_node_changes_window ON node_changes(branch, changed_at)`
const indexNodeChangesNode = `CREATE INDEX IF NOT EXISTS idx_node_changes_node ON node_changes(branch, node_id)`
const indexAttributeChangesNode = `CREATE INDEX IF NOT EXISTS idx_attribute_changes_node ON attribute_changes(node_change_id)`
const indexPropertyChangesAttribute = `CREATE INDEX IF NOT EXISTS idx_property_changes_attribute ON property_changes(attribute_change_id)`
const indexRelationshipChangesWindow = `CREATE INDEX IF NOT EXISTS idx_relationship_changes_window ON relationship_changes(branch, changed_at)`
const indexRelationshipPropertyChanges = `CREATE INDEX IF NOT EXISTS idx_relationship_property_changes ON relationship_property_changes(relationship_change_id)`

// SQLite pragmas for optimal performance
const pragmaWAL = `PRAGMA journal_mode=WAL`
const pragmaFK = `PRAGMA foreign_keys=ON`
const pragmaBusyTimeout = `PRAGMA busy_timeout=5000`
const pragmaSynchronous = `PRAGMA synchronous=NORMAL`

// allSchemaStatements returns all schema DDL in order
func allSchemaStatements() []string {
	return []string{
		schemaBranches,
		schemaNodeChanges,
		schemaAttributeChanges,
		schemaPropertyChanges,
		schemaRelationshipChanges,
		schemaRelationshipPropertyChanges,
	}
}

func allIndexStatements() []string {
	return []string{
		indexNodeChangesWindow,
		indexNodeChangesNode,
		indexAttributeChangesNode,
		indexPropertyChangesAttribute,
		indexRelationshipChangesWindow,
		indexRelationshipPropertyChanges,
	}
}

// allPragmas returns all pragma statements
func allPragmas() []string {
	return []string{
		pragmaWAL,
		pragmaFK,
		pragmaBusyTimeout,
		pragmaSynchronous,
	}
}
