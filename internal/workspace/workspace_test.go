package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeCreatesAllDirectories(t *testing.T) {
	root := t.TempDir()

	require.NoError(t, Initialize(root))

	for _, dir := range GetRequiredDirectories() {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir(), dir)
	}

	ok, err := IsInitialized(root)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInitializeIsIdempotent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Initialize(root))
	require.NoError(t, Initialize(root))
}

func TestIsInitializedOnEmptyRoot(t *testing.T) {
	ok, err := IsInitialized(t.TempDir())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsInitializedRejectsFileInPlaceOfDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Initialize(root))

	require.NoError(t, os.RemoveAll(filepath.Join(root, ApprovalsDir)))
	require.NoError(t, os.WriteFile(filepath.Join(root, ApprovalsDir), []byte("x"), 0600))

	ok, err := IsInitialized(root)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, filepath.Join("/sr", "approvals"), Dir("/sr", ApprovalsDir))
	assert.Equal(t, filepath.Join("/sr", "events", "correlation.ndjson"), EventLogPath("/sr"))
	assert.Equal(t, filepath.Join("/sr", "run", "bot.handled"), HandledSetPath("/sr", "bot"))
}
