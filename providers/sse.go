package providers

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// SSEEvent is one Server-Sent Events message.
type SSEEvent struct {
	Event string
	Data  []byte
}

// SSEReader reads "data:" payloads from an event stream. A "[DONE]" payload
// ends the stream. It implements stream.Iterator[SSEEvent].
type SSEReader struct {
	body   io.ReadCloser
	reader *bufio.Reader
	cur    SSEEvent
	err    error
	done   bool
}

// NewSSEReader reads events from body. Close releases body.
func NewSSEReader(body io.ReadCloser) *SSEReader {
	return &SSEReader{
		body:   body,
		reader: bufio.NewReader(body),
	}
}

// Next advances to the next event with a data payload.
func (r *SSEReader) Next() bool {
	if r.done {
		return false
	}

	var (
		event string
		data  bytes.Buffer
	)
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			r.err = err
			r.done = true
			return false
		}
		eof := err != nil

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if data.Len() > 0 {
				return r.emit(event, data.Bytes())
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if eof {
			r.done = true
			return data.Len() > 0 && r.emit(event, data.Bytes())
		}
	}
}

func (r *SSEReader) emit(event string, data []byte) bool {
	if string(data) == "[DONE]" {
		r.done = true
		return false
	}
	r.cur = SSEEvent{Event: event, Data: append([]byte(nil), data...)}
	return true
}

// Current returns the event Next advanced to.
func (r *SSEReader) Current() SSEEvent {
	return r.cur
}

// Err returns the read error that ended the stream, if any.
func (r *SSEReader) Err() error {
	return r.err
}

// Close releases the underlying body.
func (r *SSEReader) Close() error {
	r.done = true
	return r.body.Close()
}
