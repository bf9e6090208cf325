package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()

	var events []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var event map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &event))
		events = append(events, event)
	}
	return events
}

func TestTransitionCarriesSeverityAndFields(t *testing.T) {
	var buf bytes.Buffer
	t.Cleanup(SetOutput(&buf))

	Transition("reconciliation", SeverityLow, "purchase renewed", map[string]interface{}{"user_id": 7})

	events := readLines(t, &buf)
	require.Len(t, events, 1)
	assert.Equal(t, "info", events[0]["level"])
	assert.Equal(t, "reconciliation", events[0]["component"])
	assert.Equal(t, "low", events[0]["severity"])
	assert.Equal(t, float64(7), events[0]["user_id"])
	assert.Equal(t, "purchase renewed", events[0]["message"])
}

func TestFailureIncludesError(t *testing.T) {
	var buf bytes.Buffer
	t.Cleanup(SetOutput(&buf))

	Failure("events", SeverityHigh, "event product missing", errors.New("record not found"), nil)

	events := readLines(t, &buf)
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0]["level"])
	assert.Equal(t, "high", events[0]["severity"])
	assert.Equal(t, "record not found", events[0]["error"])
}

func TestInfofAndErrorf(t *testing.T) {
	var buf bytes.Buffer
	t.Cleanup(SetOutput(&buf))

	Infof("scheduler started with %d jobs", 4)
	Errorf("lock failed: %v", "timeout")

	events := readLines(t, &buf)
	require.Len(t, events, 2)
	assert.Equal(t, "scheduler started with 4 jobs", events[0]["message"])
	assert.Equal(t, "error", events[1]["level"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zerolog.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
}
