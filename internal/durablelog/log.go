// Package durablelog is the append-only local record of every flushed
// observation, stored as a comma-separated text table.
package durablelog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/vitalsd/internal/signal"
)

// Header is the first line of every log file. It is written once, when the
// file is created.
const Header = "Timestamp,Data Type,Value"

// Record is one line of the log.
type Record struct {
	Timestamp time.Time
	Type      signal.Type
	Value     float64
}

// RecordFrom converts an observation into its log record.
func RecordFrom(obs signal.Observation) Record {
	return Record{Timestamp: obs.Timestamp, Type: obs.Type, Value: obs.Value}
}

// Log is an open handle on the log file. It is safe for concurrent use; each
// Append writes one whole line.
type Log struct {
	mu     sync.Mutex
	path   string
	loc    *time.Location
	file   *os.File
	size   int64
	closed bool
	// torn is set while the file does not end in a newline, after a crash
	// or a short write. The next line is prefixed with one.
	torn bool
}

// Open opens the log at path, creating it (and its directory) if needed.
// The header is written only when the file is empty. Timestamps are rendered
// in loc; nil means time.Local. Failures wrap signal.ErrStorageUnavailable.
func Open(path string, loc *time.Location) (*Log, error) {
	if loc == nil {
		loc = time.Local
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating log directory: %v", signal.ErrStorageUnavailable, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", signal.ErrStorageUnavailable, path, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", signal.ErrStorageUnavailable, path, err)
	}

	l := &Log{path: path, loc: loc, file: f, size: st.Size()}
	if l.size > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, l.size-1); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: reading tail of %s: %v", signal.ErrStorageUnavailable, path, err)
		}
		l.torn = last[0] != '\n'
	}
	if l.size == 0 {
		if err := l.writeLine(Header); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: writing header: %v", signal.ErrStorageUnavailable, err)
		}
	}
	return l, nil
}

// Path returns the file location.
func (l *Log) Path() string { return l.path }

// Size returns the number of bytes written so far, header included.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Append writes rec as one line and returns after the data is synced to
// disk. Errors are *signal.IOFailure.
func (l *Log) Append(rec Record) error {
	if !rec.Type.Valid() {
		return &signal.IOFailure{Reason: fmt.Sprintf("unknown signal type %d", int(rec.Type))}
	}
	fields := []string{
		signal.FormatTimestamp(rec.Timestamp, l.loc),
		rec.Type.Label(),
		strconv.FormatFloat(rec.Value, 'f', -1, 64),
	}
	for _, f := range fields {
		if strings.ContainsAny(f, ",\r\n") {
			return &signal.IOFailure{Reason: fmt.Sprintf("field %q contains a delimiter", f)}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return &signal.IOFailure{Reason: "log closed"}
	}
	if err := l.writeLine(strings.Join(fields, ",")); err != nil {
		return &signal.IOFailure{Reason: "append", Err: err}
	}
	return nil
}

// writeLine issues a single write for the whole line and syncs. A torn tail
// is terminated first so the new line never joins a fragment.
// Callers hold l.mu, except Open which owns l exclusively.
func (l *Log) writeLine(line string) error {
	buf := line + "\n"
	if l.torn {
		buf = "\n" + buf
	}
	n, err := l.file.WriteString(buf)
	l.size += int64(n)
	if err != nil {
		if n > 0 {
			l.torn = true
		}
		return err
	}
	l.torn = false
	return l.file.Sync()
}

// Records reads back every record in the file, skipping the header.
func (l *Log) Records() ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ReadFile(l.path, l.loc)
}

// Close releases the file handle. Further appends fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// MalformedLinesError lists lines ReadFile skipped, typically a fragment
// left by a crash mid-write. The records around them are still returned.
type MalformedLinesError struct {
	Lines []int
	First error
}

func (e *MalformedLinesError) Error() string {
	return fmt.Sprintf("%d malformed line(s) skipped, first at line %d: %v", len(e.Lines), e.Lines[0], e.First)
}

// ReadFile parses the log at path. Lines that do not parse are skipped and
// reported through a *MalformedLinesError alongside the parsed records.
func ReadFile(path string, loc *time.Location) ([]Record, error) {
	if loc == nil {
		loc = time.Local
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	var bad *MalformedLinesError
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if lineNo == 1 && line == Header {
			continue
		}
		if line == "" {
			continue
		}
		rec, err := parseLine(line, loc)
		if err != nil {
			if bad == nil {
				bad = &MalformedLinesError{First: err}
			}
			bad.Lines = append(bad.Lines, lineNo)
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return out, err
	}
	if bad != nil {
		return out, bad
	}
	return out, nil
}

func parseLine(line string, loc *time.Location) (Record, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return Record{}, errors.New("expected 3 fields")
	}
	ts, err := time.ParseInLocation(signal.TimestampLayout, parts[0], loc)
	if err != nil {
		return Record{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	typ, ok := signal.ParseLabel(parts[1])
	if !ok {
		return Record{}, fmt.Errorf("unknown data type %q", parts[1])
	}
	v, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return Record{}, fmt.Errorf("parsing value: %w", err)
	}
	return Record{Timestamp: ts, Type: typ, Value: v}, nil
}
