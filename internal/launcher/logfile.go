package launcher

import (
	"fmt"
	"os"
	"sync"
)

// logFile is the append-only per-server launch log. Writes from the
// stdout pump, stderr pump, and status updates are serialized so lines
// land in arrival order. After close, writes reopen the file for the
// single line, so status transitions recorded after the child exited
// are never lost.
type logFile struct {
	path string

	mu sync.Mutex
	f  *os.File
}

func openLog(path string) (*logFile, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &logFile{path: path, f: f}, nil
}

// chunk writes raw child output behind a channel tag. Bytes pass
// through untouched; a newline is added only when the chunk lacks one
// so the next tag starts its own line.
func (l *logFile) chunk(tag string, p []byte) {
	buf := make([]byte, 0, len(tag)+len(p)+4)
	buf = append(buf, '[')
	buf = append(buf, tag...)
	buf = append(buf, "] "...)
	buf = append(buf, p...)
	if len(p) == 0 || p[len(p)-1] != '\n' {
		buf = append(buf, '\n')
	}
	l.write(buf)
}

// line writes a formatted line terminated by a newline.
func (l *logFile) line(format string, args ...any) {
	l.write([]byte(fmt.Sprintf(format, args...) + "\n"))
}

func (l *logFile) write(p []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f != nil {
		_, _ = l.f.Write(p)
		return
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	_, _ = f.Write(p)
	_ = f.Close()
}

func (l *logFile) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
