package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. It is used to indent multi-line
// diagnostics such as register dumps inside a panic banner.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	// midLine is set while the last written byte was not a line feed.
	midLine bool
}

// NewPrefixWriter returns a PrefixWriter that emits prefix before every
// line written to sink.
func NewPrefixWriter(sink io.Writer, prefix string) *PrefixWriter {
	return &PrefixWriter{Sink: sink, Prefix: []byte(prefix)}
}

// Reset makes the next write start a new line.
func (w *PrefixWriter) Reset() {
	w.midLine = false
}

// Write writes len(p) bytes from p to the underlying writer. The injected
// prefixes are not included in the returned byte count.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) > 0 {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		lineLen := len(p)
		for i, b := range p {
			if b == '\n' {
				lineLen = i + 1
				break
			}
		}

		n, err := w.Sink.Write(p[:lineLen])
		written += n
		if err != nil {
			return written, err
		}

		if p[lineLen-1] == '\n' {
			w.midLine = false
		}
		p = p[lineLen:]
	}

	return written, nil
}
