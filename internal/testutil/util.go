// Package testutil holds golden-file helpers shared by package tests.
package testutil

import (
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var Update = flag.Bool(
	"update",
	false,
	"update golden files",
)

// GoldenPath is where the golden file for name lives, relative to the
// package under test.
func GoldenPath(name string) string {
	return filepath.Join("testdata", name+".golden")
}

func writeGolden(t *testing.T, name string, b []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll("testdata", 0755))
	require.NoError(t, os.WriteFile(GoldenPath(name), b, 0644), "write golden %s", name)
}

// CompareWithGolden marshals v as indented JSON and compares it with the
// stored golden file. With -update the golden file is rewritten instead.
func CompareWithGolden(t *testing.T, name string, v any) {
	t.Helper()

	actual, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err, "marshal %s", name)

	if *Update {
		writeGolden(t, name, actual)
		return
	}

	expected, err := os.ReadFile(GoldenPath(name))
	require.NoError(t, err, "read golden %s (run with -update to create it)", name)
	require.JSONEq(t, string(expected), string(actual), "golden mismatch for %s", name)
}
