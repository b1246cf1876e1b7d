package response

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WhileEndless/go-keepalive/pkg/errors"
)

type releaseRecorder struct {
	calls    int
	reusable bool
}

func (r *releaseRecorder) release(reusable bool) {
	r.calls++
	r.reusable = reusable
}

func reader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

// endless yields the same byte forever.
type endless byte

func (e endless) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(e)
	}
	return len(p), nil
}

func TestParseContentLength(t *testing.T) {
	br := reader("HTTP/1.1 200 OK\r\nContent-Length: 5\r\nX-Test: a\r\n\r\nhelloHTTP/1.1 404 Not Found\r\n")

	resp, err := Parse(br, "GET")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "OK", resp.Reason)
	assert.Equal(t, "HTTP/1.1", resp.Proto)
	assert.Equal(t, "a", resp.Header.Get("x-test"))
	assert.False(t, resp.WillClose)

	body, err := resp.Body()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	// next response on the same stream is untouched
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 404 Not Found\r\n", line)
}

func TestParseChunkedWithTrailer(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"4\r\nWiki\r\n5;ext=1\r\npedia\r\n0\r\nX-Checksum: abc\r\n\r\n"

	resp, err := Parse(reader(raw), "GET")
	require.NoError(t, err)
	assert.True(t, resp.Chunked)

	body, err := resp.Body()
	require.NoError(t, err)
	assert.Equal(t, "Wikipedia", string(body))
	assert.Equal(t, "abc", resp.Trailer.Get("X-Checksum"))
}

func TestParseUntilClose(t *testing.T) {
	resp, err := Parse(reader("HTTP/1.0 200 OK\r\n\r\nline1\nline2"), "GET")
	require.NoError(t, err)
	assert.True(t, resp.WillClose)
	assert.Equal(t, int64(-1), resp.ContentLength)

	body, err := resp.Body()
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2", string(body))
}

func TestWillClose(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want bool
	}{
		{"http11 default", "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n", false},
		{"http11 close", "HTTP/1.1 200 OK\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", true},
		{"http10 default", "HTTP/1.0 200 OK\r\nContent-Length: 0\r\n\r\n", true},
		{"http10 keep-alive", "HTTP/1.0 200 OK\r\nConnection: Keep-Alive\r\nContent-Length: 0\r\n\r\n", false},
		{"http10 keep-alive header", "HTTP/1.0 200 OK\r\nKeep-Alive: timeout=5\r\nContent-Length: 0\r\n\r\n", false},
		{"no length", "HTTP/1.1 200 OK\r\n\r\n", true},
		{"chunked", "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n0\r\n\r\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ReadHead(reader(tt.raw), "GET", Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.WillClose)
		})
	}
}

func TestReadHeadRejectsMalformedStatus(t *testing.T) {
	for _, raw := range []string{
		"<html>hello</html>\r\n",
		"HTTP/1.1\r\n\r\n",
		"HTTP/x.y 200 OK\r\n\r\n",
		"HTTP/1.1 abc OK\r\n\r\n",
	} {
		_, err := ReadHead(reader(raw), "GET", Options{})
		require.Error(t, err, raw)
		assert.Equal(t, errors.ErrorTypeProtocol, errors.GetErrorType(err), raw)
	}
}

func TestReadHeadBoundsLineLength(t *testing.T) {
	for _, prefix := range []string{
		"HTTP/1.1 200 ",
		"HTTP/1.1 200 OK\r\nX-Big: ",
		"HTTP/1.1 200 OK\r\nA: b\r\n" + strings.Repeat("C: d\r\n", 1000) + "X-Big: ",
	} {
		br := bufio.NewReader(io.MultiReader(strings.NewReader(prefix), endless('a')))
		_, err := ReadHead(br, "GET", Options{})
		require.Error(t, err)
		assert.Equal(t, errors.ErrorTypeProtocol, errors.GetErrorType(err))
	}
}

func TestReadHeadEOF(t *testing.T) {
	_, err := ReadHead(reader(""), "GET", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.EOF)

	_, err = ReadHead(reader("HTTP/1.1 200 OK\r\nContent-Le"), "GET", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadHeadSkipsContinue(t *testing.T) {
	raw := "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 201 Created\r\nContent-Length: 2\r\n\r\nok"
	resp, err := Parse(reader(raw), "POST")
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)
}

func TestHeaderContinuation(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nX-Long: first\r\n  second\r\nContent-Length: 0\r\n\r\n"
	resp, err := ReadHead(reader(raw), "GET", Options{})
	require.NoError(t, err)
	assert.Equal(t, "first second", resp.Header.Get("X-Long"))
}

func TestHEADReleasesWithoutBodyRead(t *testing.T) {
	rec := &releaseRecorder{}
	br := reader("HTTP/1.1 200 OK\r\nContent-Length: 1000\r\n\r\nHTTP/1.1 204 No Content\r\n\r\n")

	resp, err := ReadHead(br, "HEAD", Options{Release: rec.release})
	require.NoError(t, err)
	require.NoError(t, resp.Load())

	assert.Equal(t, 1, rec.calls)
	assert.True(t, rec.reusable)
	assert.Equal(t, int64(1000), resp.ContentLength)

	body, err := resp.Body()
	require.NoError(t, err)
	assert.Empty(t, body)

	n, err := resp.Read(make([]byte, 10))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)

	// the stream is positioned at the next response
	next, err := Parse(br, "GET")
	require.NoError(t, err)
	assert.Equal(t, 204, next.StatusCode)
}

func TestBodylessStatuses(t *testing.T) {
	for _, raw := range []string{
		"HTTP/1.1 204 No Content\r\n\r\n",
		"HTTP/1.1 304 Not Modified\r\n\r\n",
	} {
		rec := &releaseRecorder{}
		resp, err := ReadHead(reader(raw), "GET", Options{Release: rec.release})
		require.NoError(t, err)
		require.NoError(t, resp.Load())
		assert.False(t, resp.WillClose, raw)
		assert.True(t, rec.reusable, raw)
	}
}

func TestSizeCeilingDeclaredLength(t *testing.T) {
	rec := &releaseRecorder{}
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n" + strings.Repeat("a", 100)

	resp, err := ReadHead(reader(raw), "GET", Options{MaxBodySize: 10, Release: rec.release})
	require.NoError(t, err)
	require.NoError(t, resp.Load())

	assert.True(t, resp.BodyTooLarge())
	assert.Equal(t, 204, resp.StatusCode)
	assert.Equal(t, "No Content", resp.Reason)
	assert.Equal(t, 1, rec.calls)
	assert.False(t, rec.reusable)

	body, err := resp.Body()
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestSizeCeilingStreamed(t *testing.T) {
	chunked := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"8\r\naaaaaaaa\r\n8\r\naaaaaaaa\r\n0\r\n\r\n"
	untilClose := "HTTP/1.1 200 OK\r\nConnection: close\r\n\r\n" + strings.Repeat("b", 50)
	// A huge chunk after buffered bytes must not wrap the size check.
	hugeChunk := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"1\r\nx\r\n7fffffffffffffff\r\n" + strings.Repeat("y", 100000)

	for _, raw := range []string{chunked, untilClose, hugeChunk} {
		rec := &releaseRecorder{}
		resp, err := ReadHead(reader(raw), "GET", Options{MaxBodySize: 12, Release: rec.release})
		require.NoError(t, err)
		require.NoError(t, resp.Load())

		assert.True(t, resp.BodyTooLarge())
		assert.Equal(t, 204, resp.StatusCode)
		assert.False(t, rec.reusable)
		body, _ := resp.Body()
		assert.Empty(t, body)
	}
}

func TestSizeCeilingExactFits(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n0123456789"
	resp, err := ReadHead(reader(raw), "GET", Options{MaxBodySize: 10})
	require.NoError(t, err)
	require.NoError(t, resp.Load())
	assert.False(t, resp.BodyTooLarge())
	assert.Equal(t, 200, resp.StatusCode)
}

func TestTruncatedBodyIsProtocolError(t *testing.T) {
	rec := &releaseRecorder{}
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nshort"

	resp, err := ReadHead(reader(raw), "GET", Options{Release: rec.release})
	require.NoError(t, err)

	err = resp.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, errors.ErrorTypeProtocol, errors.GetErrorType(err))
	assert.False(t, rec.reusable)

	// later reads report the same failure
	_, err = resp.Body()
	assert.Error(t, err)
}

func TestMultipleReads(t *testing.T) {
	resp, err := Parse(reader("HTTP/1.1 200 OK\r\nContent-Length: 12\r\n\r\nline1\nline2\n"), "GET")
	require.NoError(t, err)

	all, err := io.ReadAll(resp)
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\n", string(all))

	body, err := resp.Body()
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\n", string(body))

	resp.Rewind()
	line, err := resp.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "line1\n", string(line))

	lines, err := resp.ReadLines(0)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "line2\n", string(lines[0]))

	_, err = resp.ReadLine()
	assert.Equal(t, io.EOF, err)
}

func TestCloseInvalidatesReads(t *testing.T) {
	resp, err := Parse(reader("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"), "GET")
	require.NoError(t, err)

	require.NoError(t, resp.Close())
	require.NoError(t, resp.Close())

	_, err = resp.Body()
	assert.Error(t, err)
	_, err = resp.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestCloseBeforeLoadAbandonsConnection(t *testing.T) {
	rec := &releaseRecorder{}
	resp, err := ReadHead(reader("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"), "GET", Options{Release: rec.release})
	require.NoError(t, err)

	require.NoError(t, resp.Close())
	assert.Equal(t, 1, rec.calls)
	assert.False(t, rec.reusable)
}

func TestCloseConnection(t *testing.T) {
	rec := &releaseRecorder{}
	removed := 0
	opts := Options{Release: rec.release, Remove: func() { removed++ }}

	resp, err := ReadHead(reader("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"), "GET", opts)
	require.NoError(t, err)
	require.NoError(t, resp.Load())
	require.True(t, rec.reusable)

	require.NoError(t, resp.CloseConnection())
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, rec.calls)

	// not yet loaded: released as not reusable, no separate removal
	rec = &releaseRecorder{}
	removed = 0
	opts = Options{Release: rec.release, Remove: func() { removed++ }}
	resp, err = ReadHead(reader("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"), "GET", opts)
	require.NoError(t, err)
	require.NoError(t, resp.CloseConnection())
	assert.False(t, rec.reusable)
	assert.Equal(t, 0, removed)
}

func TestAccessors(t *testing.T) {
	resp, err := ReadHead(reader("HTTP/1.1 404 Not Found\r\nContent-Length: 3\r\n\r\nabc"), "get",
		Options{URL: "http://example.com/x"})
	require.NoError(t, err)

	assert.Equal(t, "GET", resp.Method)
	assert.Equal(t, "http://example.com/x", resp.URL())
	assert.Equal(t, "404 Not Found", resp.Status())

	resp.SetEncoding("utf-8")
	assert.Equal(t, "utf-8", resp.Encoding())

	require.NoError(t, resp.SetBody([]byte("decoded")))
	body, err := resp.Body()
	require.NoError(t, err)
	assert.Equal(t, "decoded", string(body))
}
