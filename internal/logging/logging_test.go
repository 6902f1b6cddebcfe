package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(&buf, "info", "json")
	require.NoError(t, err)

	ForRequest(log, "req-7").Info("stage entered")
	log.Debug("suppressed")
	require.NoError(t, log.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "stage entered", entry["msg"])
	assert.Equal(t, "req-7", entry["request_id"])
	assert.Contains(t, entry, "ts")
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("loud", "json")
	assert.Error(t, err)
	_, err = New("info", "xml")
	assert.Error(t, err)
}

func TestForRequestNilLogger(t *testing.T) {
	assert.NotNil(t, ForRequest(nil, "x"))
}
