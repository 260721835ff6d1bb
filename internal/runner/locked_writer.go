package runner

import (
	"io"
	"sync"
)

// lockedWriter serializes writes to an underlying writer.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// Write writes to the underlying writer with a mutex guard.
func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// wrapVerboseWriter returns a concurrency-safe writer when questions run in
// parallel.
func wrapVerboseWriter(jobs int, w io.Writer) io.Writer {
	if jobs <= 1 || w == nil {
		return w
	}
	return &lockedWriter{w: w}
}

// Fd exposes the wrapped file descriptor so terminal detection still works.
func (l *lockedWriter) Fd() uintptr {
	if f, ok := l.w.(interface{ Fd() uintptr }); ok {
		return f.Fd()
	}
	return ^uintptr(0)
}
