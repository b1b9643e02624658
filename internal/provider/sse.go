package provider

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// ErrStopEvents ends ReadEvents early without reporting an error.
var ErrStopEvents = errors.New("stop reading events")

const maxEventLine = 1 << 20

// ReadEvents parses a server-sent event stream and calls fn once per event
// with its name (empty when unnamed) and its joined data lines.
func ReadEvents(r io.Reader, fn func(event, data string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)

	var event string
	var data []string

	dispatch := func() error {
		if len(data) == 0 {
			event = ""
			return nil
		}
		err := fn(event, strings.Join(data, "\n"))
		event, data = "", data[:0]
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := dispatch(); err != nil {
				return stopped(err)
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return stopped(dispatch())
}

func stopped(err error) error {
	if errors.Is(err, ErrStopEvents) {
		return nil
	}
	return err
}
