package attachment

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

// joinLineAfter removes the first line break at or after off.
func joinLineAfter(body []byte, off int) []byte {
	i := off + bytes.Index(body[off:], crlf)
	out := append([]byte(nil), body[:i]...)
	return append(out, body[i+len(crlf):]...)
}

func TestPackBase64(t *testing.T) {
	full := wrapBase64(sampleBytes(600), 76)
	long := wrapBase64(sampleBytes(1500), 76)

	tests := []struct {
		name         string
		body         []byte
		wantOK       bool
		wantLen      int
		wantTrailing bool
	}{
		{name: "regular wrapping", body: full, wantOK: true, wantLen: 76, wantTrailing: true},
		{name: "missing final line break", body: bytes.TrimSuffix(full, crlf), wantOK: true, wantLen: 76},
		{name: "extra empty line", body: append(append([]byte(nil), full...), crlf...), wantOK: false},
		{name: "irregular line past the sniff window", body: joinLineAfter(long, 1100), wantOK: false},
		{name: "single line", body: []byte("aGVsbG8gd29ybGQ="), wantOK: false},
		{name: "line too long", body: wrapBase64(sampleBytes(1200), 1000), wantOK: false},
		{name: "not base64", body: []byte("hello, world!\r\nsecond line!!\r\n"), wantOK: false},
		{name: "bare newlines", body: []byte("aGVsbG8g\nd29ybGQ=\n"), wantOK: false},
		{name: "empty", body: nil, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := packBase64(tt.body)
			if ok != tt.wantOK {
				t.Fatalf("packBase64 ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if p.lineLen != tt.wantLen {
				t.Fatalf("line length = %d, want %d", p.lineLen, tt.wantLen)
			}
			if p.trailingBreak != tt.wantTrailing {
				t.Fatalf("trailing break = %v, want %v", p.trailingBreak, tt.wantTrailing)
			}
		})
	}
}

func TestPackedBodiesReencodeExactly(t *testing.T) {
	bodies := map[string][]byte{
		"partial last line":           wrapBase64(sampleBytes(600), 76),
		"partial last line, no break": bytes.TrimSuffix(wrapBase64(sampleBytes(600), 76), crlf),
		"full last line":              wrapBase64(sampleBytes(171), 76),
		"full last line, no break":    bytes.TrimSuffix(wrapBase64(sampleBytes(171), 76), crlf),
		"narrow lines":                wrapBase64(sampleBytes(90), 64),
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			p, ok := packBase64(body)
			if !ok {
				t.Fatal("expected body to be packed")
			}
			r := encodeStream(io.NopCloser(bytes.NewReader(p.data)), p.lineLen, p.trailingBreak)
			defer r.Close()
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if !bytes.Equal(got, body) {
				t.Fatalf("round trip differs: in len=%d out len=%d", len(body), len(got))
			}
		})
	}
}

func TestEncodeStreamEndsEveryLine(t *testing.T) {
	raw := sampleBytes(57)
	r := encodeStream(io.NopCloser(bytes.NewReader(raw)), 76, true)
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, wrapBase64(raw, 76)) {
		t.Fatalf("unexpected encoding %q", got)
	}
	if strings.Count(string(got), "\r\n") != 1 {
		t.Fatalf("expected exactly one line break, got %q", got)
	}
}
