package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLoggerBeforeInit(t *testing.T) {
	prev := Log
	Log = nil
	defer func() { Log = prev }()

	l := GetLogger()
	require.NotNil(t, l)
	assert.NotPanics(t, func() { Info("no-op before init") })
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("loud", "json", "stdout")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "finrag.log")

	l, err := New("info", "json", path)
	require.NoError(t, err)
	l.Info("pipeline started")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"pipeline started"`)
	assert.Contains(t, string(data), `"level":"info"`)
}

func TestOrDefault(t *testing.T) {
	l, err := New("debug", "console", "stdout")
	require.NoError(t, err)
	assert.Same(t, l, OrDefault(l))
	assert.NotNil(t, OrDefault(nil))
}
