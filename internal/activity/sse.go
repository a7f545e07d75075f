package activity

import (
	"bufio"
	"io"
	"strings"
)

const maxEventBytes = 1 << 20

// Event is one dispatched server-sent event.
type Event struct {
	Name string
	ID   string
	Data string
}

// decoder splits a text/event-stream body into events. Comment lines and retry
// hints are skipped; multi-line data is joined with "\n".
type decoder struct {
	scanner *bufio.Scanner
}

func newDecoder(r io.Reader) *decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxEventBytes)

	return &decoder{scanner: s}
}

// Next blocks until a complete event arrives. It returns io.EOF when the stream ends.
func (d *decoder) Next() (Event, error) {
	var ev Event
	var data []string
	hasData := false

	for d.scanner.Scan() {
		line := strings.TrimSuffix(d.scanner.Text(), "\r")
		if line == "" {
			if !hasData && ev.Name == "" {
				continue
			}
			ev.Data = strings.Join(data, "\n")

			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Name = value
		case "data":
			data = append(data, value)
			hasData = true
		case "id":
			ev.ID = value
		}
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}

	return Event{}, io.EOF
}
