package streams

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rc(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

// trackingCloser records whether Close was called.
type trackingCloser struct {
	io.Reader
	closed bool
}

func (t *trackingCloser) Close() error {
	t.closed = true
	return nil
}

func TestConcat(t *testing.T) {
	r := Concat(rc("one "), rc(""), rc("two "), rc("three"))
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "one two three", string(out))
	require.NoError(t, r.Close())
}

func TestConcatEmpty(t *testing.T) {
	out, err := io.ReadAll(Concat())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestConcatReadsOneSourceAtATime(t *testing.T) {
	first := &trackingCloser{Reader: strings.NewReader("aa")}
	second := &trackingCloser{Reader: strings.NewReader("bb")}
	r := Concat(first, second)

	buf := make([]byte, 2)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "aa", string(buf[:n]))
	// The second source is untouched until the first is drained.
	assert.False(t, second.closed)

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "bb", string(out))
	assert.True(t, first.closed)
	assert.True(t, second.closed)
}

func TestConcatCloseReleasesUnreadSources(t *testing.T) {
	first := &trackingCloser{Reader: strings.NewReader("aa")}
	second := &trackingCloser{Reader: strings.NewReader("bb")}
	r := Concat(first, second)
	require.NoError(t, r.Close())
	assert.True(t, first.closed)
	assert.True(t, second.closed)

	_, err := r.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.NoError(t, r.Close(), "double close is a no-op")
}

func TestConcatPropagatesSourceError(t *testing.T) {
	boom := errors.New("upstream reset")
	failing := io.NopCloser(io.MultiReader(strings.NewReader("partial"), &errReader{err: boom}))
	r := Concat(rc("ok "), failing)
	_, err := io.ReadAll(r)
	assert.ErrorIs(t, err, boom)
}

type errReader struct{ err error }

func (e *errReader) Read([]byte) (int, error) { return 0, e.err }

func TestWrapText(t *testing.T) {
	body := &trackingCloser{Reader: strings.NewReader("<p>hi</p>")}
	r := WrapText(`<host id="f1">`, body, "</host>")
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, `<host id="f1"><p>hi</p></host>`, string(out))
	assert.True(t, body.closed)
}

func TestWrapTextEmptyBody(t *testing.T) {
	out, err := io.ReadAll(WrapText("[", rc(""), "]"))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(out))
}

func TestTransform(t *testing.T) {
	body := &trackingCloser{Reader: strings.NewReader("hello world")}
	r := Transform(body, bytes.ToUpper)
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "HELLO WORLD", string(out))
	require.NoError(t, r.Close())
	assert.True(t, body.closed)
}

func TestTransformExpandingChunks(t *testing.T) {
	r := Transform(rc("abc"), func(chunk []byte) []byte {
		return bytes.Repeat(chunk, 3)
	})
	// Tiny destination buffer forces the transformed chunk to be
	// consumed across several reads.
	var out []byte
	buf := make([]byte, 2)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, "abcabcabc", string(out))
}

func TestTransformDroppingChunks(t *testing.T) {
	r := Transform(rc("discard"), func([]byte) []byte { return nil })
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, out)
}
