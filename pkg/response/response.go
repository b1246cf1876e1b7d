// Package response decodes HTTP/1.x responses read from a pooled connection
// into a re-readable value.
//
// A Response is produced in two steps. ReadHead consumes the status line and
// header block; Load materializes the body into memory and hands the
// connection back through the Release callback exactly once. After Load the
// body can be read any number of times until Close.
package response

import (
	"bufio"
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/WhileEndless/go-keepalive/pkg/buffer"
	"github.com/WhileEndless/go-keepalive/pkg/constants"
	"github.com/WhileEndless/go-keepalive/pkg/errors"
	"github.com/WhileEndless/go-keepalive/pkg/timing"
)

// Release is told, once per response, whether the underlying connection can
// serve another exchange.
type Release func(reusable bool)

// Options controls body materialization.
type Options struct {
	// MaxBodySize is the body ceiling in bytes. Zero disables it.
	MaxBodySize int64

	// URL is the full request URL, reported by Response.URL.
	URL string

	// Release is called once the body was consumed or abandoned.
	Release Release

	// Remove drops the connection from its pool even after it was released.
	Remove func()
}

var (
	errBodyTooLarge = stderrors.New("response body exceeds size ceiling")
	errLineTooLong  = stderrors.New("line too long")
)

// Response is a decoded HTTP response.
type Response struct {
	Proto      string // "HTTP/1.1"
	ProtoMajor int
	ProtoMinor int
	StatusCode int
	Reason     string
	Header     textproto.MIMEHeader
	Trailer    textproto.MIMEHeader

	// Method is the request method this response answers.
	Method string

	// ContentLength is the declared body length, or -1 when unknown.
	ContentLength int64
	Chunked       bool

	// WillClose reports that the server ends the connection after this
	// response.
	WillClose bool

	// Set by the transport that produced the response.
	ConnID  string
	Reused  bool
	Timings timing.Metrics // setup times are zero on reused connections

	url     string
	maxBody int64
	release Release
	remove  func()

	mu       sync.Mutex
	br       *bufio.Reader
	body     *buffer.Buffer
	loaded   bool
	loadErr  error
	tooLarge bool
	discard  bool
	closed   bool
	released bool
	encoding string
	wait     time.Duration
}

// ReadHead reads the status line and headers from br. Interim 100 Continue
// responses are skipped. The body is left unread until Load.
func ReadHead(br *bufio.Reader, method string, opts Options) (*Response, error) {
	r := &Response{
		Method:        strings.ToUpper(method),
		ContentLength: -1,
		url:           opts.URL,
		maxBody:       opts.MaxBodySize,
		release:       opts.Release,
		remove:        opts.Remove,
		br:            br,
	}

	for {
		line, err := readLine(br)
		if err != nil {
			return nil, errors.NewProtocolError("reading status line", err)
		}
		if err := r.parseStatusLine(line); err != nil {
			return nil, err
		}
		header, err := readHeaders(br)
		if err != nil {
			return nil, err
		}
		r.Header = header
		if r.StatusCode != 100 {
			break
		}
	}

	r.setFraming()
	return r, nil
}

// Parse reads a complete response from br with no size ceiling and no
// connection bookkeeping.
func Parse(br *bufio.Reader, method string) (*Response, error) {
	r, err := ReadHead(br, method, Options{})
	if err != nil {
		return nil, err
	}
	if err := r.Load(); err != nil {
		return nil, err
	}
	return r, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := readRawLine(r, constants.MaxHeaderBytes)
	if err != nil {
		if err == io.EOF && line != "" {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	if len(line) >= 2 && line[len(line)-2:] == "\r\n" {
		return line[:len(line)-2], nil
	}
	return strings.TrimRight(line, "\n"), nil
}

// readRawLine reads one line including its terminator. It fails with
// errLineTooLong as soon as the line grows past limit bytes.
func readRawLine(r *bufio.Reader, limit int) (string, error) {
	var line []byte
	for {
		frag, err := r.ReadSlice('\n')
		if len(line)+len(frag) > limit {
			return "", errLineTooLong
		}
		line = append(line, frag...)
		if err == bufio.ErrBufferFull {
			continue
		}
		return string(line), err
	}
}

func (r *Response) parseStatusLine(line string) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return errors.NewProtocolError(fmt.Sprintf("bad status line %q", truncate(line, 64)), nil)
	}

	major, minor, ok := parseVersion(parts[0])
	if !ok {
		return errors.NewProtocolError(fmt.Sprintf("bad HTTP version %q", truncate(parts[0], 16)), nil)
	}

	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		return errors.NewProtocolError(fmt.Sprintf("bad status code %q", truncate(parts[1], 16)), err)
	}

	r.Proto = parts[0]
	r.ProtoMajor, r.ProtoMinor = major, minor
	r.StatusCode = code
	r.Reason = ""
	if len(parts) == 3 {
		r.Reason = strings.TrimSpace(parts[2])
	}
	return nil
}

func parseVersion(v string) (int, int, bool) {
	maj, mnr, ok := strings.Cut(strings.TrimPrefix(v, "HTTP/"), ".")
	if !ok {
		return 0, 0, false
	}
	major, err := strconv.Atoi(maj)
	if err != nil || major < 0 {
		return 0, 0, false
	}
	minor, err := strconv.Atoi(mnr)
	if err != nil || minor < 0 {
		return 0, 0, false
	}
	return major, minor, true
}

func readHeaders(reader *bufio.Reader) (textproto.MIMEHeader, error) {
	headers := make(textproto.MIMEHeader)
	total := 0
	var lastKey string

	for {
		line, err := readRawLine(reader, constants.MaxHeaderBytes-total)
		if err == errLineTooLong {
			return nil, errors.NewProtocolError("headers exceed maximum size", nil)
		}
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, errors.NewProtocolError("reading headers", err)
		}
		total += len(line)

		if line == "\r\n" || line == "\n" {
			break
		}

		trimmed := strings.TrimRight(line, "\r\n")

		// obs-fold continuation
		if strings.HasPrefix(trimmed, " ") || strings.HasPrefix(trimmed, "\t") {
			if lastKey == "" {
				continue
			}
			idx := len(headers[lastKey]) - 1
			headers[lastKey][idx] = headers[lastKey][idx] + " " + strings.TrimSpace(trimmed)
			continue
		}

		name, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}

		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name))
		headers[key] = append(headers[key], strings.TrimSpace(value))
		lastKey = key
	}

	return headers, nil
}

// setFraming decides how the body is delimited and whether the connection
// survives the exchange.
func (r *Response) setFraming() {
	r.Chunked = strings.Contains(strings.ToLower(r.Header.Get("Transfer-Encoding")), "chunked")

	if !r.Chunked {
		if cl := strings.TrimSpace(r.Header.Get("Content-Length")); cl != "" {
			// Unparseable or negative lengths are treated as unknown.
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
				r.ContentLength = n
			}
		}
	}

	r.WillClose = r.checkClose()
	if r.noBody() {
		if r.Method != "HEAD" {
			r.ContentLength = 0
		}
		return
	}
	if !r.WillClose && !r.Chunked && r.ContentLength < 0 {
		r.WillClose = true
	}
}

func (r *Response) checkClose() bool {
	conn := strings.ToLower(strings.Join(r.Header.Values("Connection"), ","))
	if r.ProtoMajor > 1 || (r.ProtoMajor == 1 && r.ProtoMinor >= 1) {
		return strings.Contains(conn, "close")
	}
	if r.Header.Get("Keep-Alive") != "" {
		return false
	}
	if strings.Contains(conn, "keep-alive") {
		return false
	}
	if strings.Contains(strings.ToLower(r.Header.Get("Proxy-Connection")), "keep-alive") {
		return false
	}
	return true
}

func (r *Response) noBody() bool {
	return r.Method == "HEAD" ||
		(r.StatusCode >= 100 && r.StatusCode < 200) ||
		r.StatusCode == 204 ||
		r.StatusCode == 304
}

// Load materializes the body. It is safe to call more than once; later calls
// return the first result.
func (r *Response) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

func (r *Response) loadLocked() error {
	if r.loaded {
		return r.loadErr
	}
	r.loaded = true

	if r.closed {
		r.loadErr = errors.NewIOError("reading response", io.ErrClosedPipe)
		return r.loadErr
	}

	if r.noBody() {
		r.body = buffer.New()
		r.finishLocked(!r.WillClose)
		return nil
	}

	if r.maxBody > 0 && r.ContentLength > r.maxBody {
		r.markTooLargeLocked()
		return nil
	}

	var dst bytes.Buffer
	var err error
	switch {
	case r.Chunked:
		err = r.readChunked(&dst)
	case r.ContentLength >= 0:
		err = r.readFixed(&dst)
	default:
		err = r.readUntilClose(&dst)
	}

	if err == errBodyTooLarge {
		r.markTooLargeLocked()
		return nil
	}
	if err != nil {
		r.loadErr = err
		r.body = buffer.New()
		r.finishLocked(false)
		return err
	}

	r.body = buffer.NewWithData(dst.Bytes())
	r.finishLocked(!r.WillClose)
	return nil
}

func (r *Response) markTooLargeLocked() {
	r.tooLarge = true
	r.StatusCode = 204
	r.Reason = "No Content"
	r.ContentLength = 0
	r.body = buffer.New()
	r.finishLocked(false)
}

func (r *Response) finishLocked(reusable bool) {
	r.br = nil
	if r.released {
		return
	}
	r.released = true
	if r.discard {
		reusable = false
	}
	if r.release != nil {
		r.release(reusable)
	}
}

func (r *Response) readChunked(dst *bytes.Buffer) error {
	for {
		line, err := readLine(r.br)
		if err != nil {
			return errors.NewProtocolError("reading chunk size", err)
		}

		sizeStr, _, _ := strings.Cut(line, ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil || size < 0 {
			return errors.NewProtocolError(fmt.Sprintf("invalid chunk size %q", truncate(line, 32)), err)
		}

		if size == 0 {
			break
		}
		if r.maxBody > 0 && size > r.maxBody-int64(dst.Len()) {
			return errBodyTooLarge
		}
		if size > constants.MaxContentLength {
			return errors.NewProtocolError("chunk size too large", nil)
		}

		if _, err := io.CopyN(dst, r.br, size); err != nil {
			return errors.NewProtocolError("reading chunk body", unexpected(err))
		}

		crlf := make([]byte, 2)
		if _, err := io.ReadFull(r.br, crlf); err != nil {
			return errors.NewProtocolError("reading chunk CRLF", unexpected(err))
		}
	}

	for {
		line, err := readLine(r.br)
		if err != nil {
			return errors.NewProtocolError("reading chunk trailer", err)
		}
		if line == "" {
			break
		}
		if name, value, ok := strings.Cut(line, ":"); ok {
			if r.Trailer == nil {
				r.Trailer = make(textproto.MIMEHeader)
			}
			r.Trailer.Add(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}
	return nil
}

func (r *Response) readFixed(dst *bytes.Buffer) error {
	if r.ContentLength > constants.MaxContentLength {
		return errors.NewProtocolError("content-length too large", nil)
	}
	if r.ContentLength == 0 {
		return nil
	}
	if r.ContentLength < 1<<20 {
		dst.Grow(int(r.ContentLength))
	}
	if _, err := io.CopyN(dst, r.br, r.ContentLength); err != nil {
		return errors.NewProtocolError(
			fmt.Sprintf("incomplete read: got %d of %d bytes", dst.Len(), r.ContentLength), unexpected(err))
	}
	return nil
}

func (r *Response) readUntilClose(dst *bytes.Buffer) error {
	var src io.Reader = r.br
	if r.maxBody > 0 {
		src = io.LimitReader(r.br, r.maxBody+1)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return errors.NewIOError("reading until close", err)
	}
	if r.maxBody > 0 && int64(dst.Len()) > r.maxBody {
		return errBodyTooLarge
	}
	return nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (r *Response) loadedBody() (*buffer.Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.NewIOError("reading response", io.ErrClosedPipe)
	}
	if err := r.loadLocked(); err != nil {
		return nil, err
	}
	return r.body, nil
}

// Body returns the whole body. It does not move the Read cursor.
func (r *Response) Body() ([]byte, error) {
	b, err := r.loadedBody()
	if err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Read implements io.Reader over the buffered body.
func (r *Response) Read(p []byte) (int, error) {
	b, err := r.loadedBody()
	if err != nil {
		return 0, err
	}
	return b.Read(p)
}

// ReadLine returns the next body line including its '\n', or io.EOF.
func (r *Response) ReadLine() ([]byte, error) {
	b, err := r.loadedBody()
	if err != nil {
		return nil, err
	}
	return b.ReadLine()
}

// ReadLines returns the remaining body lines. A positive sizeHint stops
// reading once that many bytes were collected.
func (r *Response) ReadLines(sizeHint int) ([][]byte, error) {
	b, err := r.loadedBody()
	if err != nil {
		return nil, err
	}
	return b.ReadLines(sizeHint)
}

// Rewind moves the Read cursor back to the start of the body.
func (r *Response) Rewind() {
	if b, err := r.loadedBody(); err == nil {
		b.Rewind()
	}
}

// SetBody replaces the body, for callers that decode content.
func (r *Response) SetBody(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.NewIOError("writing response", io.ErrClosedPipe)
	}
	if err := r.loadLocked(); err != nil {
		return err
	}
	r.body = buffer.NewWithData(data)
	return nil
}

// Close invalidates the response. A body that was never loaded is abandoned
// together with its connection.
func (r *Response) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	if !r.loaded {
		r.loaded = true
		r.finishLocked(false)
	}
	r.closed = true
	if r.body != nil {
		return r.body.Close()
	}
	return nil
}

// CloseConnection closes the response and drops its connection from the
// pool, even if it was already returned.
func (r *Response) CloseConnection() error {
	r.mu.Lock()
	r.discard = true
	released := r.released
	remove := r.remove
	r.mu.Unlock()

	err := r.Close()
	if released && remove != nil {
		remove()
	}
	return err
}

// BodyTooLarge reports whether the body exceeded the size ceiling and was
// replaced by an empty 204 response.
func (r *Response) BodyTooLarge() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tooLarge
}

// Status returns "<code> <reason>".
func (r *Response) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Reason == "" {
		return strconv.Itoa(r.StatusCode)
	}
	return strconv.Itoa(r.StatusCode) + " " + r.Reason
}

// URL returns the request URL this response answers.
func (r *Response) URL() string {
	return r.url
}

// Encoding returns the caller-assigned character encoding.
func (r *Response) Encoding() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.encoding
}

// SetEncoding records the character encoding of the body.
func (r *Response) SetEncoding(enc string) {
	r.mu.Lock()
	r.encoding = enc
	r.mu.Unlock()
}

// WaitTime returns the time between dispatching the request and the response
// headers being available.
func (r *Response) WaitTime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wait
}

// SetWaitTime records the header wait time.
func (r *Response) SetWaitTime(d time.Duration) {
	r.mu.Lock()
	r.wait = d
	r.mu.Unlock()
}
