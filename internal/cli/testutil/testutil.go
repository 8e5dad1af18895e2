// Package testutil provides test utilities for CLI testing.
package testutil

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/leapstack-labs/fieldflow/internal/cli/output"
)

// Field ids used by FieldsYAML.
const (
	FieldCount  = "fldCountAAAAAAAAAAA"
	FieldLink   = "fldLinkAAAAAAAAAAAA"
	FieldLookup = "fldLookupAAAAAAAAAA"
	FieldBroken = "fldBrokenAAAAAAAAAA"
)

// FieldsYAML defines a count on tbl1, a link from tbl2 to tbl1, a lookup of
// the count through the link and a lookup whose link does not exist.
const FieldsYAML = `
fields:
  - id: fldCountAAAAAAAAAAA
    tableId: tbl1
    name: Count
    type: number
  - id: fldLinkAAAAAAAAAAAA
    tableId: tbl2
    name: Source
    type: link
    options:
      relationship: manyOne
      foreignTableId: tbl1
      lookupFieldId: fldCountAAAAAAAAAAA
  - id: fldLookupAAAAAAAAAA
    tableId: tbl2
    name: Count (from Source)
    type: number
    isLookup: true
    lookupOptions:
      foreignTableId: tbl1
      linkFieldId: fldLinkAAAAAAAAAAAA
      lookupFieldId: fldCountAAAAAAAAAAA
  - id: fldBrokenAAAAAAAAAA
    tableId: tbl2
    name: Broken
    type: number
    isLookup: true
    lookupOptions:
      foreignTableId: tbl1
      linkFieldId: fldMissingAAAAAAAAA
      lookupFieldId: fldCountAAAAAAAAAAA
`

// SetupTestDatabase moves the test into an empty directory and points the
// database DSN at a SQLite file inside it. Returns the directory.
func SetupTestDatabase(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("FIELDFLOW_DATABASE__DSN", filepath.Join(dir, "fieldflow.db"))
	return dir
}

// WriteFieldsFile writes FieldsYAML into dir and returns its path.
func WriteFieldsFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fields.yaml")
	if err := os.WriteFile(path, []byte(FieldsYAML), 0o600); err != nil {
		t.Fatalf("failed to write fields file: %v", err)
	}
	return path
}

// TestRenderer wraps a Renderer for testing with captured output buffers.
type TestRenderer struct {
	*output.Renderer
	Out    *bytes.Buffer
	ErrOut *bytes.Buffer
}

// NewTestRenderer creates a new test renderer with the specified mode and TTY state.
func NewTestRenderer(mode output.Mode, isTTY bool) *TestRenderer {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &TestRenderer{
		Renderer: output.NewRendererWithTTY(out, errOut, isTTY, mode),
		Out:      out,
		ErrOut:   errOut,
	}
}

// NewTestRendererText creates a new test renderer in text mode (simulated TTY).
func NewTestRendererText() *TestRenderer {
	return NewTestRenderer(output.ModeText, true)
}

// NewTestRendererJSON creates a new test renderer in JSON mode.
func NewTestRendererJSON() *TestRenderer {
	return NewTestRenderer(output.ModeJSON, false)
}

// Output returns the stdout output as a string.
func (tr *TestRenderer) Output() string {
	return tr.Out.String()
}

// ErrorOutput returns the stderr output as a string.
func (tr *TestRenderer) ErrorOutput() string {
	return tr.ErrOut.String()
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// AssertNoANSI checks that a string contains no ANSI escape codes.
func AssertNoANSI(t *testing.T, s string) {
	t.Helper()
	if ansiPattern.MatchString(s) {
		t.Errorf("string contains ANSI escape codes: %q", s)
	}
}
