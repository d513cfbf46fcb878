package mcp

import (
	"bufio"
	"io"
	"sync"

	"github.com/nugget/mcpattach/internal/launcher"
)

// fakeServer is an in-memory Server. respond runs once with the first
// line written to stdin and whatever it writes lands on stdout.
type fakeServer struct {
	inR  *io.PipeReader
	inW  *io.PipeWriter
	outR *io.PipeReader
	outW *io.PipeWriter

	mu       sync.Mutex
	statuses []launcher.Status
	disposed int
	logPath  string
}

func newFakeServer(respond func(req string, out *io.PipeWriter)) *fakeServer {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	f := &fakeServer{inR: inR, inW: inW, outR: outR, outW: outW, logPath: "/fake/server.log"}
	go func() {
		line, err := bufio.NewReader(inR).ReadString('\n')
		if err != nil {
			return
		}
		respond(line, outW)
	}()
	return f
}

// newDeafServer returns a server that never reads its stdin, so any
// write to it blocks until Dispose.
func newDeafServer() *fakeServer {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	return &fakeServer{inR: inR, inW: inW, outR: outR, outW: outW, logPath: "/fake/deaf.log"}
}

// replyLines answers with each line followed by a newline.
func replyLines(lines ...string) func(string, *io.PipeWriter) {
	return func(_ string, out *io.PipeWriter) {
		for _, l := range lines {
			if _, err := io.WriteString(out, l+"\n"); err != nil {
				return
			}
		}
	}
}

// silent reads the request and never answers.
func silent(string, *io.PipeWriter) {}

// hangUp closes stdout without answering.
func hangUp(_ string, out *io.PipeWriter) { out.Close() }

func (f *fakeServer) Stdin() io.Writer  { return f.inW }
func (f *fakeServer) Stdout() io.Reader { return f.outR }
func (f *fakeServer) LogPath() string   { return f.logPath }

func (f *fakeServer) UpdateStatus(s launcher.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, s)
	return nil
}

func (f *fakeServer) Dispose() error {
	f.mu.Lock()
	f.disposed++
	f.mu.Unlock()
	f.outR.CloseWithError(io.ErrClosedPipe)
	f.outW.Close()
	f.inR.Close()
	return nil
}

func (f *fakeServer) Statuses() []launcher.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]launcher.Status(nil), f.statuses...)
}

func (f *fakeServer) Disposed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}
