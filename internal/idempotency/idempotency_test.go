package idempotency

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyFormat(t *testing.T) {
	require.Equal(t, "notify:corr-1", Key("notify", "corr-1"))
}

func TestMarkAndHas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handled", "bot.handled")

	set, err := Load(path)
	require.NoError(t, err)
	defer set.Close()

	key := Key("notify", "corr-1")
	require.False(t, set.Has(key))

	require.NoError(t, set.MarkHandled(key))
	require.True(t, set.Has(key))
	require.Equal(t, 1, set.Len())

	// Re-marking is a no-op, not a duplicate journal row.
	require.NoError(t, set.MarkHandled(key))
	require.Equal(t, 1, set.Len())
}

func TestSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.handled")

	set, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, set.MarkHandled(Key("notify", "corr-1")))
	require.NoError(t, set.MarkHandled(Key("execute", "corr-2")))
	require.NoError(t, set.Close())

	// A crashed-and-restarted process replays the journal and still
	// refuses to repeat the downstream action.
	reloaded, err := Load(path)
	require.NoError(t, err)
	defer reloaded.Close()

	require.True(t, reloaded.Has(Key("notify", "corr-1")))
	require.True(t, reloaded.Has(Key("execute", "corr-2")))
	require.False(t, reloaded.Has(Key("notify", "corr-3")))
	require.Equal(t, 2, reloaded.Len())
}

func TestLoadEmptyFile(t *testing.T) {
	set, err := Load(filepath.Join(t.TempDir(), "fresh.handled"))
	require.NoError(t, err)
	defer set.Close()
	require.Equal(t, 0, set.Len())
}
