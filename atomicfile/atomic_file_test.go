package atomicfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert"
)

func assertFileExists(t *testing.T, path string) {
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("file '%s' doesn't exist, os.Stat() failed with '%s'", path, err)
	}
	if !st.Mode().IsRegular() {
		t.Fatalf("Path '%s' exists but is not a file (mode: %d)", path, int(st.Mode()))
	}
}

func assertFileNotExists(t *testing.T, path string) {
	_, err := os.Stat(path)
	if err == nil {
		t.Fatalf("file '%s' exist, expected to not exist", path)
	}
}

func TestSimulateError(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "label_30")
	f, err := New(dst)
	assert.NoError(t, err)
	assertFileExists(t, f.tmpPath)
	_, err = f.Write([]byte("foo"))
	assert.NoError(t, err)
	// simulate an error
	errSimulated := errors.New("simulated")
	f.err = errSimulated
	err = f.Close()
	assert.Equal(t, errSimulated, err)
	assertFileNotExists(t, f.tmpPath)
	assertFileNotExists(t, dst)
	// on second Close() should get the same error
	err = f.Close()
	assert.Equal(t, errSimulated, err)
}

func writeWithPanicCancel(f *File) {
	defer f.RemoveIfNotClosed()

	_, _ = f.Write([]byte("foo"))
	panic("simulating a crash")
}

func TestCancelOnPanic(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "label_31")
	err := os.WriteFile(dst, []byte("old"), 0644)
	assert.NoError(t, err)
	f, err := New(dst)
	assert.NoError(t, err)
	assertFileExists(t, f.tmpPath)
	assert.Panics(t, func() {
		writeWithPanicCancel(f)
	})
	assertFileNotExists(t, f.tmpPath)
	d, err := os.ReadFile(dst)
	assert.NoError(t, err)
	assert.Equal(t, "old", string(d))

	_, err = f.Write([]byte("new"))
	assert.Equal(t, ErrCancelled, err)
	assert.Equal(t, ErrCancelled, f.Close())
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "catalog")
	for _, sync := range []bool{true, false} {
		err := WriteFile(dst, []byte("123456789012345\n"), sync)
		assert.NoError(t, err)
		d, err := os.ReadFile(dst)
		assert.NoError(t, err)
		assert.Equal(t, "123456789012345\n", string(d))
	}
	// over-write with empty content
	err := WriteFile(dst, nil, false)
	assert.NoError(t, err)
	st, err := os.Stat(dst)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), st.Size())

	// only the destination is left behind
	entries, err := os.ReadDir(dir)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(entries))
}

func TestNewInMissingDir(t *testing.T) {
	// we can't create files in directories that don't exist
	// so verify we do an early check
	dst := filepath.Join(t.TempDir(), "foo", "bar.txt")
	f, err := New(dst)
	assert.Error(t, err)
	assert.Nil(t, f)
}
