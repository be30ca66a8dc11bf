package attachment

import (
	"bytes"
	"encoding/base64"
	"io"
)

const (
	sniffWindow   = 1000
	maxLineLength = 998
)

var crlf = []byte("\r\n")

// detectLineLength looks at the head of a base64 body and returns the width
// of its wrapped lines. Every CRLF-terminated line inside the window must
// have that width, except a shorter final line of the body.
func detectLineLength(body []byte) (int, bool) {
	window := body[:min(len(body), sniffWindow)]
	lineLen := bytes.Index(window, crlf)
	if lineLen <= 0 || lineLen > maxLineLength {
		return 0, false
	}

	for off := 0; off < len(window); {
		i := bytes.Index(window[off:], crlf)
		if i < 0 {
			break
		}
		last := off+i+len(crlf) == len(body)
		if i != lineLen && !(last && i < lineLen) {
			return 0, false
		}
		off += i + len(crlf)
	}
	return lineLen, true
}

// packed is a base64 body stored decoded together with what is needed to
// wrap it again.
type packed struct {
	data          []byte
	lineLen       int
	trailingBreak bool
}

// packBase64 decodes a wrapped base64 body when its wrapping is regular
// enough to be reconstructed by encodeStream. The number of line breaks may
// differ by one line from what the decoded size implies, but the body is only
// packed when re-encoding it gives back the exact input.
func packBase64(body []byte) (packed, bool) {
	lineLen, ok := detectLineLength(body)
	if !ok {
		return packed{}, false
	}

	enc := base64.StdEncoding.Strict()
	decoded := make([]byte, enc.DecodedLen(len(body)))
	n, err := enc.Decode(decoded, body)
	if err != nil {
		return packed{}, false
	}
	decoded = decoded[:n]

	encodedLen := enc.EncodedLen(n)
	breakChars := len(body) - encodedLen
	if breakChars < 0 || breakChars%len(crlf) != 0 {
		return packed{}, false
	}
	lines := breakChars / len(crlf)
	expected := (encodedLen + lineLen - 1) / lineLen
	if diff := lines - expected; diff < -1 || diff > 1 {
		return packed{}, false
	}

	p := packed{data: decoded, lineLen: lineLen, trailingBreak: bytes.HasSuffix(body, crlf)}
	var buf bytes.Buffer
	buf.Grow(len(body))
	if err := p.encode(&buf); err != nil || !bytes.Equal(buf.Bytes(), body) {
		return packed{}, false
	}
	return p, true
}

func (p packed) encode(w io.Writer) error {
	lw := &lineWriter{w: w, lineLen: p.lineLen, trailingBreak: p.trailingBreak}
	enc := base64.NewEncoder(base64.StdEncoding, lw)
	if _, err := enc.Write(p.data); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return lw.flush()
}

// encodeStream re-encodes src as base64 wrapped at lineLen. Lines are
// separated by CRLF; the last line gets one only when trailingBreak is set.
// Closing the returned reader closes src.
func encodeStream(src io.ReadCloser, lineLen int, trailingBreak bool) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		lw := &lineWriter{w: pw, lineLen: lineLen, trailingBreak: trailingBreak}
		enc := base64.NewEncoder(base64.StdEncoding, lw)
		_, err := io.Copy(enc, src)
		if err == nil {
			err = enc.Close()
		}
		if err == nil {
			err = lw.flush()
		}
		pw.CloseWithError(err)
	}()
	return &encodedStream{PipeReader: pr, src: src}
}

type encodedStream struct {
	*io.PipeReader
	src io.Closer
}

func (s *encodedStream) Close() error {
	s.PipeReader.Close()
	return s.src.Close()
}

// lineWriter breaks its input into lines. The break after a full line is
// written lazily, so flush decides how the last line ends.
type lineWriter struct {
	w             io.Writer
	lineLen       int
	trailingBreak bool
	col           int
}

func (l *lineWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if l.col == l.lineLen {
			if _, err := l.w.Write(crlf); err != nil {
				return written, err
			}
			l.col = 0
		}
		n := min(l.lineLen-l.col, len(p))
		if _, err := l.w.Write(p[:n]); err != nil {
			return written, err
		}
		written += n
		l.col += n
		p = p[n:]
	}
	return written, nil
}

func (l *lineWriter) flush() error {
	if l.col == 0 || !l.trailingBreak {
		l.col = 0
		return nil
	}
	l.col = 0
	_, err := l.w.Write(crlf)
	return err
}
