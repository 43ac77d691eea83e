// Package log prints messages to stdout and, after Init(), appends them to
// daily files: <dir>/log (everything), <dir>/errors (Errorf) and
// <dir>/events (Event).
package log

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/toon-format/toon-go"
)

var (
	// if true, Verbosef() will log messages
	Verbose bool

	// where Logf() prints, in addition to daily log file
	// set to io.Discard to silence (e.g. in tests)
	Stdout io.Writer = os.Stdout

	mu        sync.Mutex
	logFile   *dailyFile
	errorFile *dailyFile
	eventFile *dailyFile
)

// dailyFile appends to <dir>/YYYY-MM-DD.txt, switching files when
// the (UTC) day changes. Methods are no-ops on nil receiver.
type dailyFile struct {
	dir  string
	day  string
	file *os.File
}

func (f *dailyFile) write(d []byte) error {
	if f == nil {
		return nil
	}
	day := time.Now().UTC().Format("2006-01-02")
	if f.file != nil && f.day != day {
		f.close()
	}
	if f.file == nil {
		if err := os.MkdirAll(f.dir, 0755); err != nil {
			return err
		}
		path := filepath.Join(f.dir, day+".txt")
		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		f.file = file
		f.day = day
	}
	_, err := f.file.Write(d)
	return err
}

func (f *dailyFile) close() {
	if f == nil || f.file == nil {
		return
	}
	f.file.Close()
	f.file = nil
}

type Config struct {
	// directory where log files are stored
	// each log type (regular, error, event) has its own subdirectory
	Dir string
}

// Init starts logging to files in config.Dir
// Without Init, Logf() only prints to Stdout and events are dropped.
func Init(config *Config) {
	mu.Lock()
	defer mu.Unlock()
	logFile = &dailyFile{dir: filepath.Join(config.Dir, "log")}
	errorFile = &dailyFile{dir: filepath.Join(config.Dir, "errors")}
	eventFile = &dailyFile{dir: filepath.Join(config.Dir, "events")}
}

// Close closes log files. Logging after Close only prints to Stdout.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	for _, f := range []*dailyFile{logFile, errorFile, eventFile} {
		f.close()
	}
	logFile, errorFile, eventFile = nil, nil, nil
}

func Logf(s string, args ...any) {
	if len(args) > 0 {
		s = fmt.Sprintf(s, args...)
	}
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprint(Stdout, s)
	logFile.write([]byte(s))
}

func Verbosef(format string, args ...any) {
	if !Verbose {
		return
	}
	Logf(format, args...)
}

func callstack(skip int) string {
	var callers [32]uintptr
	n := runtime.Callers(skip+2, callers[:])
	frames := runtime.CallersFrames(callers[:n])
	var lines []string
	for {
		frame, more := frames.Next()
		lines = append(lines, frame.File+":"+strconv.Itoa(frame.Line))
		if !more {
			break
		}
	}
	return strings.Join(lines, "\n")
}

// Errorf logs an error message along with the callstack
func Errorf(s string, args ...any) {
	if len(args) > 0 {
		s = fmt.Sprintf(s, args...)
	}
	s = strings.TrimSuffix(s, "\n") + "\n" + callstack(1) + "\n"
	Logf("%s", s)
	mu.Lock()
	errorFile.write([]byte(s))
	mu.Unlock()
}

// MarshalEvent formats an event as:
// --- ${timestamp_in_unix_epoch_ms} ${name}\n
// ${values in toon format}\n
// vals are key, value pairs, keys must be of simple type
func MarshalEvent(name string, t time.Time, vals ...any) []byte {
	if len(vals)%2 != 0 {
		panic(fmt.Sprintf("MarshalEvent: odd number of values (%d) for event '%s'", len(vals), name))
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "--- %d %s\n", t.UnixMilli(), name)
	if len(vals) == 0 {
		return buf.Bytes()
	}
	m := map[string]any{}
	for i := 0; i < len(vals); i += 2 {
		key := vals[i]
		switch reflect.TypeOf(key).Kind() {
		case reflect.Array, reflect.Slice, reflect.Struct, reflect.Map, reflect.Chan, reflect.Interface, reflect.Pointer:
			panic(fmt.Sprintf("MarshalEvent: key of kind %T", key))
		}
		m[fmt.Sprint(key)] = vals[i+1]
	}
	d, err := toon.Marshal(m)
	if err != nil {
		d = []byte(fmt.Sprintf("error: %q", err.Error()))
	}
	buf.Write(d)
	if len(d) > 0 && d[len(d)-1] != '\n' {
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Event logs a named event with key/value pairs to events log
// it's a no-op if Init() wasn't called
func Event(name string, vals ...any) {
	mu.Lock()
	defer mu.Unlock()
	if eventFile == nil {
		return
	}
	eventFile.write(MarshalEvent(name, time.Now().UTC(), vals...))
}
