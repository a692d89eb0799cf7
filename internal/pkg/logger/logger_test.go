package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	ConfigureOutput(&buf, level, "json")
	t.Cleanup(func() { Configure("info", "json") })
	return &buf
}

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "jo***@example.com", RedactEmail("john.doe@example.com"))
	assert.Equal(t, "***@example.com", RedactEmail("ab@example.com"))
	assert.Equal(t, "***@***", RedactEmail("not-an-email"))
}

func TestLogRedactsEmailFields(t *testing.T) {
	buf := captureLogs(t, DEBUG)

	Info("send failed", "email", "alice@example.com", "error", errors.New("rejected bob@example.com"))

	var entry map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "send failed", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "al***@example.com", entry["email"])
	assert.Equal(t, "rejected bo***@example.com", entry["error"])
}

func TestLogKeepsNonAddressRecipientFields(t *testing.T) {
	buf := captureLogs(t, DEBUG)

	Info("campaign started", "recipient_count", 25, "recipients", 3, "recipient", "bob@example.com")

	var entry map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "25", entry["recipient_count"])
	assert.Equal(t, "3", entry["recipients"])
	assert.Equal(t, "bo***@example.com", entry["recipient"])
}

func TestLevelFiltering(t *testing.T) {
	buf := captureLogs(t, WARN)

	Info("dropped")
	Warn("kept", "campaign_id", "c1")

	out := buf.String()
	assert.False(t, strings.Contains(out, "dropped"))
	assert.True(t, strings.Contains(out, "kept"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("DEBUG"))
	assert.Equal(t, ERROR, ParseLevel("error"))
	assert.Equal(t, INFO, ParseLevel("bogus"))
}

func TestConfigureFileWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	file := ConfigureFile("info", "console", FileOptions{Path: path, MaxSizeMB: 1})
	require.NotNil(t, file)
	t.Cleanup(func() {
		file.Close()
		Configure("info", "json")
	})

	Info("campaign started", "campaign_id", "c1")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]string
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "campaign started", entry["message"])
	assert.Equal(t, "c1", entry["campaign_id"])
}

func TestConfigureFileWithoutPath(t *testing.T) {
	assert.Nil(t, ConfigureFile("info", "json", FileOptions{}))
}
