package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// WriteSSE writes e as one server-sent event. The id field carries the
// sequence so clients can resume with Last-Event-ID.
func WriteSSE(w io.Writer, e Event) error {
	frame, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Sequence, e.Type, frame)
	return err
}

// EndEvent names the frame sent when a panel's log is exhausted, so a
// client resuming after the terminal event can tell a finished stream from
// a dropped connection.
const EndEvent = "end"

// WriteSSEEnd writes the end frame. Its data carries the cursor the stream
// stopped at.
func WriteSSEEnd(w io.Writer, cursor int64) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: {\"cursor\":%d}\n\n", EndEvent, cursor)
	return err
}

// WriteSSEComment writes a comment line, used as a heartbeat.
func WriteSSEComment(w io.Writer, text string) error {
	_, err := fmt.Fprintf(w, ": %s\n\n", text)
	return err
}

// SSEFrame is one parsed server-sent event.
type SSEFrame struct {
	ID    string
	Event string
	Data  string
}

// End reports whether f is the end frame.
func (f SSEFrame) End() bool { return f.Event == EndEvent }

// Decode parses the frame data as an Event.
func (f SSEFrame) Decode() (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(f.Data), &e); err != nil {
		return Event{}, fmt.Errorf("decode sse frame: %w", err)
	}
	if e.Sequence == 0 && f.ID != "" {
		if seq, err := strconv.ParseInt(f.ID, 10, 64); err == nil {
			e.Sequence = seq
		}
	}
	return e, nil
}

// SSEReader reads server-sent events, skipping comments.
type SSEReader struct {
	sc *bufio.Scanner
}

// NewSSEReader wraps r.
func NewSSEReader(r io.Reader) *SSEReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &SSEReader{sc: sc}
}

// Next returns the next frame, or io.EOF when the stream ended.
func (r *SSEReader) Next() (SSEFrame, error) {
	var f SSEFrame
	var data []string
	seen := false
	for r.sc.Scan() {
		line := r.sc.Text()
		if line == "" {
			if seen {
				f.Data = strings.Join(data, "\n")
				return f, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			f.ID = value
		case "event":
			f.Event = value
		case "data":
			data = append(data, value)
		default:
			continue
		}
		seen = true
	}
	if err := r.sc.Err(); err != nil {
		return SSEFrame{}, err
	}
	if seen {
		f.Data = strings.Join(data, "\n")
		return f, nil
	}
	return SSEFrame{}, io.EOF
}
