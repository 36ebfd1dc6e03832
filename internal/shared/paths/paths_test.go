package paths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayout(t *testing.T) {
	root := t.TempDir()
	l := New(root + "/")

	assert.Equal(t, root, l.Root())
	assert.Equal(t, filepath.Join(root, "view"), l.View())
	assert.Equal(t, filepath.Join(root, "log"), l.Log())
	assert.Equal(t, filepath.Join(root, "identity.seed"), l.Identity())
}

func TestEnsure(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, l.Ensure())
	for _, dir := range l.Directories() {
		assert.DirExists(t, dir)
	}
	require.NoError(t, l.Ensure())
}

func TestValidate(t *testing.T) {
	assert.Error(t, Validate(""))
	assert.Error(t, Validate("/"))
	assert.NoError(t, Validate("./data"))
}
