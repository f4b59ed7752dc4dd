package log

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// OutputKey is the attribute under which raw subprocess output lines are
// surfaced.
const OutputKey = "tf_output"

// Writer returns an io.WriteCloser that emits one debug record per complete
// line written to it. Close flushes any trailing partial line.
func Writer(ctx context.Context, stream string) io.WriteCloser {
	return &lineWriter{ctx: ctx, stream: stream}
}

type lineWriter struct {
	ctx    context.Context
	stream string

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf.Next(i+1), "\r\n"))
		w.emit(line)
	}
	return len(p), nil
}

func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
	return nil
}

func (w *lineWriter) emit(line string) {
	if line == "" {
		return
	}
	Debug(w.ctx, w.stream, OutputKey, line)
}
