package statedir

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/iambrandonn/sentinel/internal/protocol"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishConsumeAck(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "notifications")

	doc := protocol.Notification{
		WorkspacePath: "/ws/site",
		SessionID:     "abc-123",
		ErrorCount:    3,
		Details:       "3 broken links",
		Timestamp:     time.Now().UTC(),
	}
	name := protocol.DocumentName(protocol.KindNotification, doc.WorkspacePath, doc.SessionID, "corr-1")

	require.NoError(t, Publish(dir, name, doc))

	entries, err := Consume(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var got protocol.Notification
	require.NoError(t, entries[0].Decode(&got))
	require.Equal(t, 3, got.ErrorCount)
	require.Equal(t, "abc-123", got.SessionID)

	require.NoError(t, entries[0].Ack())

	entries, err = Consume(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestConsumeMissingDirIsEmpty(t *testing.T) {
	entries, err := Consume(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestConsumeOrderByModTime(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "approvals")
	require.NoError(t, os.MkdirAll(dir, 0700))

	// Write directly and force distinct mtimes so ordering is
	// deterministic regardless of filesystem timestamp resolution.
	base := time.Now().Add(-time.Minute)
	for i, name := range []string{"c.json", "a.json", "b.json"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(`{}`), 0600))
		stamp := base.Add(time.Duration(i) * time.Second)
		require.NoError(t, os.Chtimes(path, stamp, stamp))
	}

	entries, err := Consume(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "c.json", entries[0].Name)
	require.Equal(t, "a.json", entries[1].Name)
	require.Equal(t, "b.json", entries[2].Name)
}

func TestConsumeSkipsTempFilesAndSubdirs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "completions")
	require.NoError(t, os.MkdirAll(dir, 0700))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".doc.json.tmp.99.abcd"), []byte("partial"), 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, QuarantineDirName), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "real.json"), []byte(`{}`), 0600))

	entries, err := Consume(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "real.json", entries[0].Name)
}

func TestAckIsIdempotent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "approvals")
	require.NoError(t, Publish(dir, "doc.json", map[string]any{"x": 1}))

	entries, err := Consume(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, entries[0].Ack())
	// Reprocessing after a crash hits an already-deleted file.
	require.NoError(t, entries[0].Ack())
}

func TestQuarantineMovesMalformedDocument(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "notifications")
	require.NoError(t, os.MkdirAll(dir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0600))

	entries, err := Consume(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var doc protocol.Notification
	require.Error(t, entries[0].Decode(&doc))
	require.NoError(t, entries[0].Quarantine())

	// Gone from the live directory, preserved in quarantine.
	entries, err = Consume(dir)
	require.NoError(t, err)
	require.Empty(t, entries)

	_, err = os.Stat(filepath.Join(dir, QuarantineDirName, "bad.json"))
	require.NoError(t, err)
}

func TestWatcherSignalsOnPublish(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "notifications")

	w, err := NewWatcher([]string{dir}, time.Hour, testLogger())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, Publish(dir, "doc.json", map[string]any{"x": 1}))

	select {
	case <-w.C():
	case <-time.After(5 * time.Second):
		t.Fatal("no watch signal after publish")
	}
}

func TestWatcherPollingFallback(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "notifications")

	w, err := NewWatcher([]string{dir}, 20*time.Millisecond, testLogger())
	require.NoError(t, err)
	defer w.Close()

	// No writes at all; the poll tick alone must wake consumers.
	select {
	case <-w.C():
	case <-time.After(5 * time.Second):
		t.Fatal("no poll tick signal")
	}
}
