package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert"
)

func TestMarshalEvent(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	d := MarshalEvent("segment_rollover", ts, "segment", "db00001", "offset", 4096)
	s := string(d)
	assert.True(t, strings.HasPrefix(s, "--- 1700000000123 segment_rollover\n"), "got: %q", s)
	assert.True(t, strings.Contains(s, "db00001"), "got: %q", s)
	assert.True(t, strings.HasSuffix(s, "\n"))

	d = MarshalEvent("ping", ts)
	assert.Equal(t, "--- 1700000000123 ping\n", string(d))

	assert.Panics(t, func() {
		MarshalEvent("odd", ts, "key")
	})
}

func TestLogToFiles(t *testing.T) {
	var out bytes.Buffer
	Stdout = &out
	defer func() {
		Stdout = os.Stdout
	}()
	// no Init(): only stdout, events are dropped
	Logf("hello %d\n", 1)
	Event("dropped")
	assert.Equal(t, "hello 1\n", out.String())

	dir := t.TempDir()
	Init(&Config{Dir: dir})
	Logf("to file\n")
	Verbose = false
	Verbosef("not logged\n")
	Event("lock_acquired", "path", "/tmp/lock")
	Errorf("bad %s", "thing")
	Close()
	Logf("after close\n")

	day := time.Now().UTC().Format("2006-01-02") + ".txt"
	d, err := os.ReadFile(filepath.Join(dir, "log", day))
	assert.NoError(t, err)
	// Errorf() also goes to the regular log
	assert.True(t, strings.HasPrefix(string(d), "to file\nbad thing\n"), "got: %q", string(d))
	assert.False(t, strings.Contains(string(d), "after close"))
	d, err = os.ReadFile(filepath.Join(dir, "events", day))
	assert.NoError(t, err)
	assert.True(t, strings.Contains(string(d), "lock_acquired"))
	d, err = os.ReadFile(filepath.Join(dir, "errors", day))
	assert.NoError(t, err)
	s := string(d)
	assert.True(t, strings.HasPrefix(s, "bad thing\n"), "got: %q", s)
	assert.True(t, strings.Contains(s, "log_test.go:"), "got: %q", s)
}

func TestNilDailyFile(t *testing.T) {
	var f *dailyFile
	assert.NoError(t, f.write([]byte("foo")))
	f.close()
}
