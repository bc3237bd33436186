package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLogger(t *testing.T) *bytes.Buffer {
	t.Helper()

	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel("INFO")
	SetFormat("text")

	t.Cleanup(func() {
		SetOutput(os.Stdout)
		SetLevel("INFO")
		SetFormat("text")
	})

	return &buf
}

func TestLevelFiltering(t *testing.T) {
	buf := resetLogger(t)

	Debug("hidden %d", 1)
	Info("shown %d", 2)
	Warn("shown %d", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[INFO] shown 2")
	assert.Contains(t, out, "[WARN] shown 3")

	SetLevel("debug")
	Debug("now visible")
	assert.Contains(t, buf.String(), "[DEBUG] now visible")
}

func TestUnknownLevelIgnored(t *testing.T) {
	resetLogger(t)

	SetLevel("ERROR")
	SetLevel("verbose")

	assert.False(t, IsEnabled(LevelWarn))
	assert.True(t, IsEnabled(LevelError))
}

func TestJSONFormat(t *testing.T) {
	buf := resetLogger(t)
	SetFormat("json")

	Error("upload failed: %s", "boom")

	var line map[string]string
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &line))
	assert.Equal(t, "ERROR", line["level"])
	assert.Equal(t, "upload failed: boom", line["msg"])
	assert.NotEmpty(t, line["time"])
}

func TestConfigureFileOutput(t *testing.T) {
	resetLogger(t)

	path := filepath.Join(t.TempDir(), "dittobackup.log")
	closer, err := Configure("WARN", "text", path)
	require.NoError(t, err)

	Info("dropped")
	Warn("kept")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}
