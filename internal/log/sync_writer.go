package log

import (
	"io"
	"sync"
)

type syncWriter struct {
	io.Writer
	mutex sync.Mutex
}

func (w *syncWriter) Write(data []byte) (int, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	return w.Writer.Write(data)
}

// NewSyncWriter returns a Writer serializing all writes to w.
func NewSyncWriter(w io.Writer) io.Writer {
	return &syncWriter{Writer: w}
}
