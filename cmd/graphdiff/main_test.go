package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/graphdiff/internal/diff"
)

const testSchemaYAML = `kinds:
  - name: TestPerson
    attributes: [name, height]
    display_labels: [name]
    relationships:
      - name: cars
        identifier: car__person
        peer: TestCar
        cardinality: many
  - name: TestCar
    attributes: [name, color]
    display_labels: [name, color]
    relationships:
      - name: owner
        identifier: car__person
        peer: TestPerson
        cardinality: one
  - name: SchemaNode
    attributes: [name]
    display_labels: [name]
`

const testChangesYAML = `branch: main
nodes:
  - id: p1
    kind: TestPerson
    action: added
    attributes:
      - name: name
        action: added
        properties:
          - {type: HAS_VALUE, action: added, new: John}
  - id: c1
    kind: TestCar
    action: added
    attributes:
      - name: name
        action: added
        properties:
          - {type: HAS_VALUE, action: added, new: volt}
---
nodes:
  - id: c1
    kind: TestCar
    action: updated
    attributes:
      - name: color
        action: added
        properties:
          - {type: HAS_VALUE, action: added, new: "#444444"}
`

// workspace prepares an isolated directory holding a schema and a change
// file and returns the flags pointing the CLI at it.
func workspace(t *testing.T) (dir string, flags []string) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir = t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)

	write(t, filepath.Join(dir, "schema.yaml"), testSchemaYAML)
	write(t, filepath.Join(dir, "changes.yaml"), testChangesYAML)
	return dir, []string{"--db", filepath.Join(dir, "graphdiff.db"), "--schema", filepath.Join(dir, "schema.yaml")}
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, args...)
	require.NoError(t, err, out)
	return out
}

func with(flags []string, args ...string) []string {
	return append(append([]string{}, flags...), args...)
}

func TestImportAndDiff(t *testing.T) {
	dir, flags := workspace(t)

	out := mustExecute(t, with(flags, "import", filepath.Join(dir, "changes.yaml"))...)
	assert.Equal(t, "Recorded 2 change sets\n", out)

	t.Run("json", func(t *testing.T) {
		out := mustExecute(t, with(flags, "diff")...)
		var payload struct {
			Diffs []struct {
				ID     string              `json:"id"`
				Action []diff.BranchAction `json:"action"`
			} `json:"diffs"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &payload))
		require.Len(t, payload.Diffs, 2)
		assert.Equal(t, "p1", payload.Diffs[0].ID)
		assert.Equal(t, "c1", payload.Diffs[1].ID)
		assert.Equal(t, []diff.BranchAction{{Branch: "main", Action: diff.ActionAdded}}, payload.Diffs[1].Action)
	})

	t.Run("yaml", func(t *testing.T) {
		out := mustExecute(t, with(flags, "diff", "-o", "yaml")...)
		assert.True(t, strings.HasPrefix(out, "diffs:\n"), out)
		assert.Less(t, strings.Index(out, "id: p1"), strings.Index(out, "id: c1"))
		assert.Contains(t, out, "display_label: 'volt #444444'")
	})

	t.Run("summary", func(t *testing.T) {
		out := mustExecute(t, with(flags, "diff", "-o", "summary")...)
		assert.Contains(t, out, `TestPerson p1 "John"  [main added]`)
		assert.Contains(t, out, "2 entries")
	})

	t.Run("kind filter", func(t *testing.T) {
		out := mustExecute(t, with(flags, "diff", "--kind", "TestCar")...)
		assert.NotContains(t, out, `"p1"`)
		assert.Contains(t, out, `"c1"`)
	})

	t.Run("schema kinds", func(t *testing.T) {
		out := mustExecute(t, with(flags, "diff", "--schema-kinds")...)
		assert.JSONEq(t, `{"diffs":[]}`, out)
	})
}

func TestDiff_Errors(t *testing.T) {
	_, flags := workspace(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown output", []string{"diff", "-o", "xml"}, "unknown output format"},
		{"invalid from", []string{"diff", "--from", "yesterday"}, "invalid --from"},
		{"inverted window", []string{"diff", "--from", "2024-02-01T00:00:00Z", "--to", "2024-01-01T00:00:00Z"}, "--to is before --from"},
		{"artifacts with kind", []string{"diff", "--artifacts", "--kind", "TestCar"}, "cannot be combined"},
		{"artifacts summary", []string{"diff", "--artifacts", "-o", "summary"}, "json and yaml output only"},
		{"unknown branch", []string{"diff", "--branch", "nope"}, "branch not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, with(flags, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDiff_NoUserKinds(t *testing.T) {
	dir, flags := workspace(t)
	write(t, filepath.Join(dir, "schema.yaml"), "kinds:\n  - name: SchemaNode\n    attributes: [name]\n")
	write(t, filepath.Join(dir, "schema-changes.yaml"), `nodes:
  - id: s1
    kind: SchemaNode
    action: added
    attributes:
      - name: name
        action: added
        properties:
          - {type: HAS_VALUE, action: added, new: TestPerson}
`)
	mustExecute(t, with(flags, "import", filepath.Join(dir, "schema-changes.yaml"))...)

	out := mustExecute(t, with(flags, "diff")...)
	assert.JSONEq(t, `{"diffs":[]}`, out)

	out = mustExecute(t, with(flags, "diff", "--schema-kinds")...)
	assert.Contains(t, out, `"s1"`)

	_, err := execute(t, with(flags, "diff", "--branch", "nope")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "branch not found")
}

func TestDiff_MissingSchema(t *testing.T) {
	dir, _ := workspace(t)

	_, err := execute(t, "--db", filepath.Join(dir, "graphdiff.db"), "--schema", filepath.Join(dir, "missing.yaml"), "diff")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "opening schema")
}

func TestBranchCommands(t *testing.T) {
	_, flags := workspace(t)

	out := mustExecute(t, with(flags, "branch", "create", "feature", "--at", "2030-01-01T00:00:00Z")...)
	assert.Equal(t, "Created branch feature at 2030-01-01T00:00:00Z\n", out)

	_, err := execute(t, with(flags, "branch", "create", "feature")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "branch already exists")

	out = mustExecute(t, with(flags, "branch", "list")...)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "main (default)"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "feature  2030-01-01T00:00:00Z"), lines[1])

	out = mustExecute(t, with(flags, "branch", "list", "-o", "json")...)
	var branches []struct {
		Name      string `json:"name"`
		IsDefault bool   `json:"is_default"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &branches))
	require.Len(t, branches, 2)
	assert.True(t, branches[0].IsDefault)
}

func TestConflictsCommand(t *testing.T) {
	dir, flags := workspace(t)
	mustExecute(t, with(flags, "branch", "create", "branch2")...)

	write(t, filepath.Join(dir, "heights.yaml"), `branch: branch2
nodes:
  - id: p1
    kind: TestPerson
    action: updated
    attributes:
      - name: height
        action: updated
        properties:
          - {type: HAS_VALUE, action: updated, previous: 180, new: 175}
---
branch: main
nodes:
  - id: p1
    kind: TestPerson
    action: updated
    attributes:
      - name: height
        action: updated
        properties:
          - {type: HAS_VALUE, action: updated, previous: 180, new: 120}
`)
	mustExecute(t, with(flags, "import", filepath.Join(dir, "heights.yaml"))...)

	out := mustExecute(t, with(flags, "conflicts", "--branch", "branch2")...)
	var resp struct {
		Conflicts []diff.Conflict `json:"conflicts"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Conflicts, 1)
	assert.Equal(t, "data/p1/height/property/HAS_VALUE", resp.Conflicts[0].Path)

	out = mustExecute(t, with(flags, "conflicts", "--branch", "branch2", "--branch-only")...)
	assert.JSONEq(t, `{"conflicts":[]}`, out)
}

func TestImport_Errors(t *testing.T) {
	dir, flags := workspace(t)

	write(t, filepath.Join(dir, "typo.yaml"), "branch: main\nnodez: []\n")
	_, err := execute(t, with(flags, "import", filepath.Join(dir, "typo.yaml"))...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding change set #1")

	write(t, filepath.Join(dir, "bad.yaml"), "branch: nope\nnodes: [{id: x, kind: K, action: added}]\n")
	_, err = execute(t, with(flags, "import", filepath.Join(dir, "bad.yaml"))...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "change set #1")
	assert.Contains(t, err.Error(), "branch not found")
}

func TestSchemaCommands(t *testing.T) {
	dir, flags := workspace(t)

	out := mustExecute(t, with(flags, "schema", "validate")...)
	assert.Equal(t, filepath.Join(dir, "schema.yaml")+": 3 kinds, 0 branch overrides\n", out)

	out = mustExecute(t, "schema", "show", "-o", "json", filepath.Join(dir, "schema.yaml"))
	var doc struct {
		Kinds []struct {
			Name string `json:"name"`
		} `json:"kinds"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	require.Len(t, doc.Kinds, 3)
	assert.Equal(t, "TestPerson", doc.Kinds[0].Name)

	write(t, filepath.Join(dir, "broken.yaml"), "kinds:\n  - name: A\n  - name: A\n")
	_, err := execute(t, "schema", "validate", filepath.Join(dir, "broken.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defined twice")
}

func TestWriteYAML_KeepsOrder(t *testing.T) {
	var o diff.Ordered[int]
	o.Set("zeta", 1)
	o.Set("alpha", 2)

	var out bytes.Buffer
	require.NoError(t, writeYAML(&out, map[string]interface{}{"items": o}))
	assert.Equal(t, "items:\n  zeta: 1\n  alpha: 2\n", out.String())
}

func TestCheckFormat(t *testing.T) {
	assert.NoError(t, checkFormat("yaml", outputJSON, outputYAML))
	err := checkFormat("summary", outputJSON, outputYAML)
	require.Error(t, err)
	assert.Equal(t, `unknown output format "summary" (want json, yaml)`, err.Error())
}
