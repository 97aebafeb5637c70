package session

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerWritesNDJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "20240101T000000Z-run-1-run.jsonl")

	l, err := NewJSONLogger(path)
	require.NoError(t, err)

	require.NoError(t, l.Log(NewEvent(EventRunStart, RunStartData("run-1", "nightly", 3))))
	require.NoError(t, l.Log(NewEvent(EventTaskDispatched, TaskDispatchedData("miniwob.click-test", 1, 3, "created"))))
	require.NoError(t, l.Close())

	events, err := ReadEvents(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventRunStart, events[0].Type)
	assert.Equal(t, "nightly", events[0].Data["plan_name"])
	assert.Equal(t, EventTaskDispatched, events[1].Type)
	assert.Equal(t, "created", events[1].Data["env_action"])
}

func TestCompactionOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run-2-run.jsonl")

	l, err := NewJSONLogger(path, WithCompaction())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Log(NewEvent(EventTaskComplete,
			TaskCompleteData("miniwob.click-test", "completed", 1.0, 1200))))
	}
	require.NoError(t, l.Close())

	// Plain file is gone; the compacted one readable.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, path+".zst", l.Path())

	events, err := ReadEvents(path + ".zst")
	require.NoError(t, err)
	assert.Len(t, events, 10)
	assert.Equal(t, 1.0, events[0].Data["reward"])
}

func TestCloseIsIdempotentAndSealsLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run-3-run.jsonl")
	l, err := NewJSONLogger(path)
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.Error(t, l.Log(NewEvent(EventError, ErrorData("late write", nil))))
}

func TestReadEventsSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run-4-run.jsonl")
	content := `{"timestamp":"2024-01-01T00:00:00Z","type":"run_start","data":{"run_id":"r"}}
not json at all
{"timestamp":"2024-01-01T00:00:05Z","type":"run_complete","data":{"passed":1}}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	events, err := ReadEvents(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventRunStart, events[0].Type)
	assert.Equal(t, EventRunEnd, events[1].Type)
}

func TestListLogsFindsPlainAndCompacted(t *testing.T) {
	dir := t.TempDir()

	l1, err := NewJSONLogger(filepath.Join(dir, "a-run.jsonl"))
	require.NoError(t, err)
	require.NoError(t, l1.Log(NewEvent(EventRunStart, nil)))
	require.NoError(t, l1.Close())

	l2, err := NewJSONLogger(filepath.Join(dir, "b-run.jsonl"), WithCompaction())
	require.NoError(t, err)
	require.NoError(t, l2.Log(NewEvent(EventRunStart, nil)))
	require.NoError(t, l2.Log(NewEvent(EventRunEnd, nil)))
	require.NoError(t, l2.Close())

	// Unrelated files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	files, err := ListLogs(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)

	byName := map[string]LogFile{}
	for _, f := range files {
		byName[f.Name] = f
	}
	assert.Equal(t, 1, byName["a-run.jsonl"].NumEvents)
	assert.Equal(t, 2, byName["b-run.jsonl.zst"].NumEvents)
}

func TestRenderTimeline(t *testing.T) {
	events := []Event{
		{Timestamp: time.Unix(0, 0), Type: EventRunStart, Data: RunStartData("run-1", "nightly", 2)},
		{Timestamp: time.Unix(1, 0), Type: EventTaskDispatched, Data: TaskDispatchedData("miniwob.click-test", 1, 2, "created")},
		{Timestamp: time.Unix(9, 0), Type: EventWatchdogTimeout, Data: WatchdogTimeoutData("miniwob.click-test", 8.2)},
		{Timestamp: time.Unix(10, 0), Type: EventTaskComplete, Data: TaskCompleteData("miniwob.click-test", "timeout", 0, 9000)},
		{Timestamp: time.Unix(11, 0), Type: EventRunEnd, Data: RunEndData(2, 0, 1, 11000)},
	}

	var buf bytes.Buffer
	RenderTimeline(&buf, events)
	out := buf.String()

	assert.Contains(t, out, "Run started")
	assert.Contains(t, out, "miniwob.click-test")
	assert.Contains(t, out, "Watchdog timeout")
	assert.Contains(t, out, "Run complete")
	assert.True(t, strings.Contains(out, "timeout"))
}

func TestDefaultLogPath(t *testing.T) {
	p := DefaultLogPath("/tmp/logs", "run-9")
	assert.True(t, strings.HasPrefix(p, "/tmp/logs/"))
	assert.True(t, strings.HasSuffix(p, "-run-9-run.jsonl"))
}
