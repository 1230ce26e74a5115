package stream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// Framing selects how an upstream body is split into payloads.
type Framing int

const (
	// FramingSSE reads Server-Sent Events: "data: {json}\n\n".
	FramingSSE Framing = iota
	// FramingNDJSON reads one JSON document per line (Ollama).
	FramingNDJSON
)

// maxLineSize caps a single SSE or NDJSON line. The bufio default of 64 KiB
// is too small for long tool-call argument chunks.
const maxLineSize = 1 << 20

// FrameReader yields raw payloads from an upstream body. Next returns
// io.EOF when the upstream finished, including when it sent an explicit
// end sentinel such as "[DONE]".
type FrameReader interface {
	Next() ([]byte, error)
}

// NewFrameReader returns the reader for framing.
func NewFrameReader(r io.Reader, framing Framing) FrameReader {
	switch framing {
	case FramingNDJSON:
		return NewNDJSONReader(r)
	default:
		return NewSSEReader(r)
	}
}

// SSEReader reads Server-Sent Events.
//
// The wire format is line oriented:
//
//	event: content_block_delta
//	data: {"type":"content_block_delta",...}
//
//	data: [DONE]
//
// A blank line ends an event. Several "data:" lines in one event are
// joined with "\n". Lines starting with ":" are comments (keep-alives).
// "event:", "id:" and "retry:" fields are ignored: every vendor we speak
// to repeats the event name inside the JSON payload.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader wraps r.
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &SSEReader{scanner: scanner}
}

var (
	dataPrefix   = []byte("data:")
	doneSentinel = []byte("[DONE]")
)

// Next returns the data payload of the next event.
func (r *SSEReader) Next() ([]byte, error) {
	var data [][]byte

	for r.scanner.Scan() {
		line := r.scanner.Bytes()

		if len(line) == 0 {
			if len(data) == 0 {
				continue
			}
			return r.payload(data)
		}
		if line[0] == ':' {
			continue
		}
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}

		value := line[len(dataPrefix):]
		if len(value) > 0 && value[0] == ' ' {
			value = value[1:]
		}
		// Scanner reuses its buffer; keep a copy.
		data = append(data, append([]byte(nil), value...))
	}

	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading event stream: %w", err)
	}
	// A final event without its trailing blank line still counts.
	if len(data) > 0 {
		return r.payload(data)
	}
	return nil, io.EOF
}

func (r *SSEReader) payload(data [][]byte) ([]byte, error) {
	joined := bytes.Join(data, []byte("\n"))
	if bytes.Equal(bytes.TrimSpace(joined), doneSentinel) {
		return nil, io.EOF
	}
	return joined, nil
}

// NDJSONReader reads newline-delimited JSON, skipping blank lines.
type NDJSONReader struct {
	scanner *bufio.Scanner
}

// NewNDJSONReader wraps r.
func NewNDJSONReader(r io.Reader) *NDJSONReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &NDJSONReader{scanner: scanner}
}

// Next returns the next non-blank line.
func (r *NDJSONReader) Next() ([]byte, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return append([]byte(nil), line...), nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ndjson stream: %w", err)
	}
	return nil, io.EOF
}
