package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileIsEmpty(t *testing.T) {
	projects, err := Load(filepath.Join(t.TempDir(), "projects.json"))
	require.NoError(t, err)
	assert.Nil(t, projects)
}

func TestLoadParsesManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"p-1","machineId":"m-1","absolutePath":"/repo","name":"repo"}]`), 0o644))

	projects, err := Load(path)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "p-1", projects[0].ID)
	assert.Equal(t, "/repo", projects[0].AbsolutePath)
}

func TestLoadRejectsMalformedManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projects.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestForMachine(t *testing.T) {
	projects := []Project{
		{ID: "a", MachineID: "m-1"},
		{ID: "b", MachineID: "m-2"},
		{ID: "c", MachineID: "m-1"},
	}
	mine := ForMachine(projects, "m-1")
	require.Len(t, mine, 2)
	assert.Equal(t, "a", mine[0].ID)
	assert.Equal(t, "c", mine[1].ID)
}

func TestFindByLongestPrefix(t *testing.T) {
	projects := []Project{
		{ID: "p-a", AbsolutePath: "/a"},
		{ID: "p-ab", AbsolutePath: "/a/b"},
	}

	tests := []struct {
		name   string
		cwd    string
		wantID string
	}{
		{"deepest parent wins", "/a/b/c", "p-ab"},
		{"sibling falls back to shallower parent", "/a/x", "p-a"},
		{"exact match", "/a/b", "p-ab"},
		{"trailing slash is normalized", "/a/b/c/", "p-ab"},
		{"no parent", "/other", ""},
		{"shared string prefix is not a path parent", "/ab", ""},
		{"empty cwd", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindByLongestPrefix(projects, tt.cwd)
			if tt.wantID == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantID, got.ID)
		})
	}
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "/a/b", NormalizePath("  /a/b/  "))
	assert.Equal(t, "/a/b", NormalizePath("/a//b"))
	assert.Equal(t, "", NormalizePath(""))
	assert.Equal(t, "", NormalizePath("   "))
}
