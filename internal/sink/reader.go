package sink

import (
	"fmt"
	"io"
	"os"

	"codeberg.org/mutker/openvprof/internal/errors"
	"github.com/goccy/go-json"
)

// Reader streams the documents of a trace file.
type Reader struct {
	file    *os.File
	release func()
	dec     *json.Decoder
	started bool
}

// Open opens a trace file. CompressionAuto picks the framing from the path
// extension.
func Open(path string, c Compression) (*Reader, error) {
	errFactory := errors.New()

	f, err := os.Open(path)
	if err != nil {
		return nil, errFactory.Wrap(ErrReadTrace, err)
	}

	r, release, err := decompressReader(f, c.Resolve(path))
	if err != nil {
		_ = f.Close()
		return nil, errFactory.Wrap(ErrReadTrace, err)
	}

	return &Reader{
		file:    f,
		release: release,
		dec:     json.NewDecoder(r),
	}, nil
}

// Next returns the next raw document. It returns io.EOF after the closing
// bracket of the array.
func (r *Reader) Next() (json.RawMessage, error) {
	if !r.started {
		tok, err := r.dec.Token()
		if err != nil {
			return nil, errors.New().Wrap(ErrReadTrace, err)
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			return nil, errors.New().WithData(ErrReadTrace, fmt.Sprintf("expected array, got %v", tok))
		}
		r.started = true
	}

	if !r.dec.More() {
		tok, err := r.dec.Token()
		if err != nil {
			return nil, errors.New().Wrap(ErrReadTrace, err)
		}
		if delim, ok := tok.(json.Delim); !ok || delim != ']' {
			return nil, errors.New().WithData(ErrReadTrace, fmt.Sprintf("expected end of array, got %v", tok))
		}
		return nil, io.EOF
	}

	var doc json.RawMessage
	if err := r.dec.Decode(&doc); err != nil {
		return nil, errors.New().Wrap(ErrReadTrace, err)
	}

	return doc, nil
}

// ReadAll returns every document of the trace.
func (r *Reader) ReadAll() ([]json.RawMessage, error) {
	var docs []json.RawMessage
	for {
		doc, err := r.Next()
		if err == io.EOF {
			return docs, nil
		}
		if err != nil {
			return docs, err
		}
		docs = append(docs, doc)
	}
}

// Close releases the decompressor and closes the file.
func (r *Reader) Close() error {
	r.release()
	return r.file.Close()
}
