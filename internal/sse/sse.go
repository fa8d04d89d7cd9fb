// Package sse implements both directions of the event-stream framing:
// encoding chat_response frames for gateway callers and incrementally
// decoding the upstream completion stream.
package sse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// EventName is the fixed event name for every outgoing frame.
const EventName = "chat_response"

// Sentinel is the message of the final frame of every stream.
const Sentinel = "closed"

// chatPayload is the data payload of an outgoing frame.
type chatPayload struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

// Frame renders one outgoing chat_response frame.
func Frame(message, id string) string {
	data, _ := json.Marshal(chatPayload{Message: message, ID: id})
	return fmt.Sprintf("event: %s\ndata: %s\n\n", EventName, data)
}

// SetHeaders applies the headers that keep event streams unbuffered
// through proxies.
func SetHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Writer emits frames to an http.ResponseWriter, flushing after each one.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter wraps w. The flusher is optional; buffered test writers work too.
func NewWriter(w http.ResponseWriter) *Writer {
	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher}
}

// Send writes one chat_response frame and flushes it.
func (sw *Writer) Send(message, id string) error {
	if _, err := io.WriteString(sw.w, Frame(message, id)); err != nil {
		return err
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// Close emits the closed sentinel.
func (sw *Writer) Close(id string) error {
	return sw.Send(Sentinel, id)
}

// Event is one decoded frame of an incoming stream.
type Event struct {
	Name string
	Data string
}

// Decoder incrementally parses a text/event-stream body. It tolerates CRLF
// line endings and flushes a trailing event when the stream ends without a
// final blank line.
type Decoder struct {
	scanner *bufio.Scanner
	err     error
}

// NewDecoder reads events from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	return &Decoder{scanner: scanner}
}

// Next returns the next event, io.EOF at end of stream, or the transport
// error that interrupted it. Ping heartbeats are skipped.
func (d *Decoder) Next() (Event, error) {
	if d.err != nil {
		return Event{}, d.err
	}
	var (
		ev      Event
		started bool
	)
	for d.scanner.Scan() {
		line := strings.TrimSuffix(d.scanner.Text(), "\r")
		if line == "" {
			if !started {
				continue
			}
			if ev.Name == "ping" {
				ev, started = Event{}, false
				continue
			}
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			// Comment line, often used as a keep-alive.
			continue
		}
		started = true
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimPrefix(line, "data:")
			chunk = strings.TrimPrefix(chunk, " ")
			if ev.Data != "" {
				ev.Data += "\n"
			}
			ev.Data += chunk
		}
		// Comment lines and unknown fields are ignored.
	}
	if err := d.scanner.Err(); err != nil {
		d.err = err
		return Event{}, err
	}
	d.err = io.EOF
	if started && ev.Name != "ping" {
		return ev, nil
	}
	return Event{}, io.EOF
}
