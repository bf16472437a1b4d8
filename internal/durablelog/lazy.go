package durablelog

import (
	"sync"
	"time"
)

// Lazy opens the log on first use and retries the open on every Append
// until it succeeds, so a temporarily unavailable location only costs the
// affected ticks.
type Lazy struct {
	path string
	loc  *time.Location

	mu  sync.Mutex
	log *Log
}

// OpenLazy tries to open the log immediately. The returned error is only
// informational: the Lazy is usable either way.
func OpenLazy(path string, loc *time.Location) (*Lazy, error) {
	l := &Lazy{path: path, loc: loc}
	_, err := l.current()
	return l, err
}

func (l *Lazy) current() (*Log, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.log != nil {
		return l.log, nil
	}
	lg, err := Open(l.path, l.loc)
	if err != nil {
		return nil, err
	}
	l.log = lg
	return lg, nil
}

// Append opens the log if needed and appends rec. When the log cannot be
// opened the error wraps signal.ErrStorageUnavailable.
func (l *Lazy) Append(rec Record) error {
	lg, err := l.current()
	if err != nil {
		return err
	}
	return lg.Append(rec)
}

// Path returns the configured file location.
func (l *Lazy) Path() string { return l.path }

// Size returns the bytes written so far, or 0 when the log is not open.
func (l *Lazy) Size() int64 {
	l.mu.Lock()
	lg := l.log
	l.mu.Unlock()
	if lg == nil {
		return 0
	}
	return lg.Size()
}

// Records reads back the file.
func (l *Lazy) Records() ([]Record, error) {
	lg, err := l.current()
	if err != nil {
		return nil, err
	}
	return lg.Records()
}

// Close releases the handle if one was opened.
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.log == nil {
		return nil
	}
	err := l.log.Close()
	l.log = nil
	return err
}
