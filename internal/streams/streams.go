// Package streams provides byte-stream combinators used by the gateway
// to assemble composite HTML responses without buffering whole bodies.
package streams

import (
	"io"
	"strings"
)

// Concat returns a reader that yields each source in order, moving to
// the next only after the previous is exhausted. Closing the returned
// reader closes every source, including ones never read.
func Concat(sources ...io.ReadCloser) io.ReadCloser {
	return &concatReader{sources: sources}
}

type concatReader struct {
	sources []io.ReadCloser
	idx     int
	closed  bool
}

func (c *concatReader) Read(p []byte) (int, error) {
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	for c.idx < len(c.sources) {
		n, err := c.sources[c.idx].Read(p)
		if err == io.EOF {
			if cerr := c.sources[c.idx].Close(); cerr != nil {
				return n, cerr
			}
			c.idx++
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
	return 0, io.EOF
}

func (c *concatReader) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var first error
	for ; c.idx < len(c.sources); c.idx++ {
		if err := c.sources[c.idx].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WrapText surrounds body with a literal prefix and suffix, streaming
// the body in between.
func WrapText(prefix string, body io.ReadCloser, suffix string) io.ReadCloser {
	return Concat(
		io.NopCloser(strings.NewReader(prefix)),
		body,
		io.NopCloser(strings.NewReader(suffix)),
	)
}

// TransformFunc rewrites one chunk. It is invoked once per read with
// the bytes produced by the inner reader; the returned slice is what
// the consumer sees. Returning an empty slice skips the chunk.
type TransformFunc func(chunk []byte) []byte

// Transform applies fn to every chunk read from body.
func Transform(body io.ReadCloser, fn TransformFunc) io.ReadCloser {
	return &transformReader{body: body, fn: fn}
}

type transformReader struct {
	body io.ReadCloser
	fn   TransformFunc

	// pending holds transformed bytes not yet consumed; a transform may
	// produce more bytes than the caller's buffer holds.
	pending []byte
	err     error
	buf     [4096]byte
}

func (t *transformReader) Read(p []byte) (int, error) {
	for len(t.pending) == 0 && t.err == nil {
		n, err := t.body.Read(t.buf[:])
		if n > 0 {
			t.pending = t.fn(t.buf[:n])
		}
		t.err = err
	}
	if len(t.pending) > 0 {
		n := copy(p, t.pending)
		t.pending = t.pending[n:]
		return n, nil
	}
	return 0, t.err
}

func (t *transformReader) Close() error {
	return t.body.Close()
}
