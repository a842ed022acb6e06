// Package sink writes and reads trace files: a single JSON array holding one
// document per record, optionally framed with lz4 or zstd.
package sink

import (
	"bufio"
	"os"

	"codeberg.org/mutker/openvprof/internal/errors"
)

var (
	arrayOpen  = []byte("[\n")
	separator  = []byte(",\n")
	arrayClose = []byte("\n]\n")
)

// Writer appends documents to a trace file. It is not safe for concurrent
// use; the collector writer is its only owner.
type Writer struct {
	path    string
	file    *os.File
	frame   interface{ Close() error }
	buf     *bufio.Writer
	entries int
	closed  bool
}

// Create truncates or creates the file at path and writes the array opening.
func Create(path string, c Compression) (*Writer, error) {
	errFactory := errors.New()

	f, err := os.Create(path)
	if err != nil {
		return nil, errFactory.Wrap(ErrOpenSink, err)
	}

	frame, err := compressWriter(f, c.Resolve(path))
	if err != nil {
		_ = f.Close()
		return nil, errFactory.Wrap(ErrOpenSink, err)
	}

	w := &Writer{
		path:  path,
		file:  f,
		frame: frame,
		buf:   bufio.NewWriter(frame),
	}
	if _, err := w.buf.Write(arrayOpen); err != nil {
		_ = f.Close()
		return nil, errFactory.Wrap(ErrOpenSink, err)
	}

	return w, nil
}

// Append writes one document, preceded by a separator unless it is the
// first.
func (w *Writer) Append(doc []byte) error {
	if w.closed {
		return errors.New().New(ErrSinkClosed)
	}

	if w.entries > 0 {
		if _, err := w.buf.Write(separator); err != nil {
			return errors.New().Wrap(ErrWriteSink, err)
		}
	}
	if _, err := w.buf.Write(doc); err != nil {
		return errors.New().Wrap(ErrWriteSink, err)
	}
	w.entries++

	return nil
}

// Flush pushes buffered bytes to the compressor or file.
func (w *Writer) Flush() error {
	if w.closed {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return errors.New().Wrap(ErrWriteSink, err)
	}
	return nil
}

// Entries returns the number of documents appended.
func (w *Writer) Entries() int {
	return w.entries
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

// Close terminates the array and closes the file. Closing twice is a no-op.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	errFactory := errors.New()
	var errs []error

	if _, err := w.buf.Write(arrayClose); err != nil {
		errs = append(errs, errFactory.Wrap(ErrWriteSink, err))
	}
	if err := w.buf.Flush(); err != nil {
		errs = append(errs, errFactory.Wrap(ErrWriteSink, err))
	}
	if err := w.frame.Close(); err != nil {
		errs = append(errs, errFactory.Wrap(ErrCloseSink, err))
	}
	if err := w.file.Close(); err != nil {
		errs = append(errs, errFactory.Wrap(ErrCloseSink, err))
	}

	return errors.Join(errs...)
}
