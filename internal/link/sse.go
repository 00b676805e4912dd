package link

import (
	"bufio"
	"io"
	"strings"

	"github.com/stripcol/gateway/internal/model"
)

const maxEventSize = 4 << 20

// readEvents parses a text/event-stream body and calls fn for each complete
// event until fn returns false or the stream ends. Comments, id and retry
// fields are ignored.
func readEvents(r io.Reader, fn func(model.Event) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)

	var (
		name    string
		data    strings.Builder
		hasData bool
	)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			if hasData {
				if name == "" {
					name = "message"
				}
				if !fn(model.Event{Name: name, Data: []byte(data.String())}) {
					return nil
				}
			}
			name, hasData = "", false
			data.Reset()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}
