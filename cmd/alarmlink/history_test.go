package main

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/alarmlink"
	"github.com/stretchr/testify/require"
)

func TestHistoryFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	h := &historyFile{path: path}

	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, h.Record(alarmlink.HistoryRecord{
		At:       at,
		Category: alarmlink.CategoryAlarm,
		Title:    "Alarm triggered",
		Message:  "ALARM! motion",
	}))
	require.NoError(t, h.Record(alarmlink.HistoryRecord{
		At:        at.Add(time.Second),
		Category:  alarmlink.CategoryAlarm,
		Title:     "Motion detected",
		ImagePath: "/tmp/det.jpg",
	}))

	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	var lines []historyLine
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l historyLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		lines = append(lines, l)
	}
	require.NoError(t, sc.Err())
	require.Len(t, lines, 2)
	require.Equal(t, "Alarm triggered", lines[0].Title)
	require.True(t, at.Equal(lines[0].At))
	require.Empty(t, lines[0].ImagePath)
	require.Equal(t, "/tmp/det.jpg", lines[1].ImagePath)
}

func TestHistoryFileUnwritable(t *testing.T) {
	h := &historyFile{path: filepath.Join(t.TempDir(), "missing", "history.jsonl")}
	require.Error(t, h.Record(alarmlink.HistoryRecord{Title: "x"}))
}

func TestDetectionsDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "detections")
	d := detectionsDir(dir)

	at := time.Date(2024, 6, 1, 12, 0, 10, 0, time.UTC)
	path, err := d.SaveImage(at, []byte{0xff, 0xd8, 0xff, 0xd9})
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(path))
	require.Equal(t, "det_20240601_120010.jpg", filepath.Base(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte{0xff, 0xd8, 0xff, 0xd9}, b)
}
