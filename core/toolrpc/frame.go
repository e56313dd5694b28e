package toolrpc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	headerContentLength = "content-length"
	headerTerminator    = "\r\n\r\n"

	// DefaultMaxFrameSize bounds a single message body.
	DefaultMaxFrameSize = 16 << 20
	maxHeaderBlock      = 8 << 10
	readChunk           = 32 << 10
)

var (
	ErrFrameTooLarge = errors.New("toolrpc: frame exceeds maximum size")
	ErrHeaderTooLong = errors.New("toolrpc: header block too long")
)

// WriteFrame writes body framed as Content-Length: n\r\n\r\n<body>.
func WriteFrame(w io.Writer, body []byte) error {
	header := "Content-Length: " + strconv.Itoa(len(body)) + headerTerminator
	buf := make([]byte, 0, len(header)+len(body))
	buf = append(buf, header...)
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// FrameReader splits a byte stream into Content-Length framed bodies. Bytes
// are buffered until a complete header and body are available, so frames may
// arrive split across any number of reads. Header blocks without a usable
// Content-Length are discarded.
type FrameReader struct {
	r       io.Reader
	buf     []byte
	max     int
	skipped int
}

// NewFrameReader reads frames from r with the default size limit.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r, max: DefaultMaxFrameSize}
}

// SetMaxFrameSize overrides the body size limit.
func (f *FrameReader) SetMaxFrameSize(n int) {
	if n > 0 {
		f.max = n
	}
}

// Skipped reports how many malformed header blocks were discarded.
func (f *FrameReader) Skipped() int {
	return f.skipped
}

// ReadFrame returns the next complete body. io.EOF is returned only on a
// clean boundary; a stream that ends mid-frame yields io.ErrUnexpectedEOF.
func (f *FrameReader) ReadFrame() ([]byte, error) {
	for {
		body, ok, err := f.parse()
		if err != nil {
			return nil, err
		}
		if ok {
			return body, nil
		}
		if err := f.fill(); err != nil {
			if errors.Is(err, io.EOF) {
				if len(bytes.TrimSpace(f.buf)) == 0 {
					return nil, io.EOF
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

func (f *FrameReader) fill() error {
	chunk := make([]byte, readChunk)
	n, err := f.r.Read(chunk)
	if n > 0 {
		f.buf = append(f.buf, chunk[:n]...)
		return nil
	}
	if err == nil {
		return nil
	}
	return err
}

// parse consumes one frame from the buffer when one is complete.
func (f *FrameReader) parse() ([]byte, bool, error) {
	for {
		end := bytes.Index(f.buf, []byte(headerTerminator))
		if end < 0 {
			if len(f.buf) > maxHeaderBlock {
				return nil, false, ErrHeaderTooLong
			}
			return nil, false, nil
		}
		length, ok := contentLength(f.buf[:end])
		if !ok {
			f.skipped++
			f.buf = f.buf[end+len(headerTerminator):]
			continue
		}
		if length > f.max {
			return nil, false, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, f.max)
		}
		start := end + len(headerTerminator)
		if len(f.buf)-start < length {
			return nil, false, nil
		}
		body := make([]byte, length)
		copy(body, f.buf[start:start+length])
		f.buf = f.buf[start+length:]
		return body, true, nil
	}
}

func contentLength(block []byte) (int, bool) {
	for _, line := range strings.Split(string(block), "\r\n") {
		name, value, found := strings.Cut(line, ":")
		if !found || strings.ToLower(strings.TrimSpace(name)) != headerContentLength {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
