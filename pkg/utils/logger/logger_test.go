package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_LOG(t *testing.T) {
	defer Sync()
	Info("Info msg")
	Warn("Warn msg")
	Error("Error msg")
	Debug("Debug msg", Int("age", 3))
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, InfoLevel)

	l.Debug("隐藏的调试日志")
	assert.Empty(t, buf.String(), "Info级别下不应输出Debug日志")
	assert.False(t, l.Enabled(DebugLevel))

	l.SetLevel(DebugLevel)
	l.Debug("可见的调试日志", Uint32("seq", 7))
	assert.Contains(t, buf.String(), "可见的调试日志")
	assert.Contains(t, buf.String(), "[DEBUG]")
	assert.Contains(t, buf.String(), "7")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, WarnLevel, ParseLevel("warning"))
	assert.Equal(t, ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, InfoLevel, ParseLevel("unknown"))
}

func TestNewWithOptionsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "rtstream.log")

	l, err := NewWithOptions(Options{
		Level:   "info",
		Format:  "json",
		Outputs: []string{path},
		Rotation: Rotation{
			Mode:      "size",
			MaxSizeMB: 1,
		},
	})
	require.NoError(t, err)

	l.Info("写入文件", String("k", "v"))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"写入文件"`)
	assert.Contains(t, string(data), `"k":"v"`)
}

func TestNewWithOptionsPlainFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.log")

	l, err := NewWithOptions(Options{Level: "debug", Outputs: []string{path}})
	require.NoError(t, err)
	l.Named("stream").With(String("conn", "a")).Debug("带名称的日志")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "带名称的日志")
	assert.Contains(t, string(data), "stream")
}
