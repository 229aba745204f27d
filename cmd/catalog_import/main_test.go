package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-replay/internal/event"
	"github.com/technosupport/ts-replay/internal/segment"
)

func TestFirstMonoTime_PrefersFullLog(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, mono uint64) string {
		path := filepath.Join(dir, name)
		f, err := os.Create(path)
		require.NoError(t, err)
		defer f.Close()
		require.NoError(t, segment.Encode(f, []event.Event{{MonoTime: mono, Channel: "carState", Payload: []byte(`{}`)}}, true))
		return path
	}
	rlog := write("rlog.zst", 7e9)
	qlog := write("qlog.zst", 9e9)

	mono, err := firstMonoTime(segment.Files{RLog: rlog, QLog: qlog})
	require.NoError(t, err)
	assert.Equal(t, uint64(7e9), mono)

	mono, err = firstMonoTime(segment.Files{QLog: qlog})
	require.NoError(t, err)
	assert.Equal(t, uint64(9e9), mono)

	empty := filepath.Join(dir, "rlog")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = firstMonoTime(segment.Files{RLog: empty})
	assert.ErrorContains(t, err, empty)
}

func TestLocation(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "2023-07-27--13-01-19--0", "rlog.zst")

	assert.Equal(t, path, location(root, "", path))
	assert.Equal(t, "", location(root, "https://logs.example/r", ""))
	assert.Equal(t, "https://logs.example/r/2023-07-27--13-01-19--0/rlog.zst",
		location(root, "https://logs.example/r/", path))
}
