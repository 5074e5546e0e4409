// Package stream holds the long-lived push channels npdash keeps open against
// the backend: the per-instance SSE event stream and the per-endpoint
// system-monitor websocket.
package stream

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// Frame is one dispatched server-sent event.
type Frame struct {
	Event string
	ID    string
	Data  string
	Retry time.Duration // zero when the frame carried no retry field
}

// Decoder reads text/event-stream frames. Comment lines and unknown fields
// are skipped; frames with no data are not dispatched.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next blocks until a complete frame is read. It returns io.EOF when the
// stream ends cleanly between frames and io.ErrUnexpectedEOF when it ends
// inside one.
func (d *Decoder) Next() (*Frame, error) {
	var (
		f       Frame
		data    []string
		started bool
	)
	for {
		line, err := d.r.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF && started {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(data) == 0 {
				// empty frame: reset and keep reading
				f, started = Frame{}, false
				if err != nil {
					return nil, err
				}
				continue
			}
			f.Data = strings.Join(data, "\n")
			return &f, nil
		}
		started = true

		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data = append(data, value)
		case "event":
			f.Event = value
		case "id":
			if !strings.ContainsRune(value, 0) {
				f.ID = value
			}
		case "retry":
			if ms, perr := strconv.Atoi(value); perr == nil && ms >= 0 {
				f.Retry = time.Duration(ms) * time.Millisecond
			}
		}

		if err != nil {
			// stream ended without the terminating blank line
			if len(data) > 0 {
				f.Data = strings.Join(data, "\n")
				return &f, nil
			}
			return nil, io.ErrUnexpectedEOF
		}
	}
}
