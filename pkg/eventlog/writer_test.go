package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, w.Write(&Event{
		JobID:      "job-1",
		Repository: "acme/widget",
		Type:       "transition",
		From:       "pending",
		To:         "cloning",
	}))
	require.NoError(t, w.Write(&Event{
		JobID:      "job-1",
		Repository: "acme/widget",
		Type:       "retry",
		Detail:     "clone timed out",
	}))

	path := filepath.Join(dir, "events-"+time.Now().Format("2006-01-02")+".jsonl")
	file, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = file.Close() }()

	var events []Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, events, 2)
	assert.Equal(t, "transition", events[0].Type)
	assert.Equal(t, "cloning", events[0].To)
	assert.Equal(t, "retry", events[1].Type)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestWriteAfterCloseReopens(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	require.NoError(t, w.Close())

	// The writer reopens the day's file on the next write.
	assert.NoError(t, w.Write(&Event{JobID: "job-1", Type: "admitted"}))
	assert.NoError(t, w.Close())
}

func TestNewWriterCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	assert.DirExists(t, dir)
}
