package worker

import (
	"bytes"
	"strings"
	"sync"
	"unicode/utf8"
)

// maxLineBytes bounds the buffer for output that never prints a newline
const maxLineBytes = 64 * 1024

// lineWriter splits a byte stream into lines and hands each complete line to emit without its
// line ending. A trailing partial line is held until more output arrives or Flush is called.
// Emitted lines are always valid UTF-8 without NUL bytes, so they can be stored as text.
type lineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(line string)
}

func newLineWriter(emit func(line string)) *lineWriter {
	return &lineWriter{emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		w.send(bytes.TrimSuffix(w.buf[:idx], []byte("\r")))
		w.buf = w.buf[idx+1:]
	}

	for len(w.buf) > maxLineBytes {
		cut := splitPoint(w.buf)
		w.send(w.buf[:cut])
		w.buf = w.buf[cut:]
	}
	return len(p), nil
}

// Flush emits whatever partial line is left
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) > 0 {
		w.send(bytes.TrimSuffix(w.buf, []byte("\r")))
		w.buf = nil
	}
}

func (w *lineWriter) send(line []byte) {
	s := strings.ToValidUTF8(string(line), string(utf8.RuneError))
	w.emit(strings.ReplaceAll(s, "\x00", ""))
}

// splitPoint returns where to cut a line longer than maxLineBytes so that a multibyte character
// crossing the limit stays whole. Input that is not UTF-8 is cut at maxLineBytes.
func splitPoint(buf []byte) int {
	for cut := maxLineBytes; cut > maxLineBytes-utf8.UTFMax; cut-- {
		if utf8.RuneStart(buf[cut]) {
			return cut
		}
	}
	return maxLineBytes
}
