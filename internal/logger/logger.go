// Package logger configures the process-wide zerolog logger and keeps a
// journal of recent entries for the log API.
package logger

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stripcol/gateway/internal/buffer"
)

// DefaultJournalSize is how many entries the journal keeps.
const DefaultJournalSize = 1000

// Entry types reported by the log API.
const (
	TypeLog   = "log"
	TypeWarn  = "warn"
	TypeError = "error"
)

// Entry is one journal line.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Message   string `json:"message"`
}

// Journal is an io.Writer that keeps the last entries written by zerolog.
type Journal struct {
	ring *buffer.RingBuffer[Entry]
}

// NewJournal creates a journal holding up to size entries.
func NewJournal(size int) *Journal {
	if size <= 0 {
		size = DefaultJournalSize
	}
	return &Journal{ring: buffer.NewRingBuffer[Entry](size)}
}

// Write implements io.Writer for one zerolog JSON event.
func (j *Journal) Write(p []byte) (int, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(p, &fields); err != nil {
		j.ring.Push(Entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Type:      TypeLog,
			Message:   strings.TrimSpace(string(p)),
		})
		return len(p), nil
	}

	ts, _ := fields[zerolog.TimestampFieldName].(string)
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339Nano)
	}
	level, _ := fields[zerolog.LevelFieldName].(string)
	msg, _ := fields[zerolog.MessageFieldName].(string)

	j.ring.Push(Entry{
		Timestamp: ts,
		Type:      entryType(level),
		Message:   formatMessage(msg, fields),
	})
	return len(p), nil
}

func entryType(level string) string {
	switch level {
	case "warn":
		return TypeWarn
	case "error", "fatal", "panic":
		return TypeError
	default:
		return TypeLog
	}
}

var skipFields = map[string]bool{
	zerolog.TimestampFieldName: true,
	zerolog.LevelFieldName:     true,
	zerolog.MessageFieldName:   true,
	"app":                      true,
}

// formatMessage renders the message followed by its context fields.
func formatMessage(msg string, fields map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(msg)
	for k, v := range fields {
		if skipFields[k] {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(raw)
	}
	return b.String()
}

// Entries returns the journal, oldest first.
func (j *Journal) Entries() []Entry {
	return j.ring.ReadAll()
}

// Clear empties the journal.
func (j *Journal) Clear() {
	j.ring.Clear()
}

// Init sets the global logger to write human readable lines to stdout and
// structured entries to journal. journal may be nil.
func Init(app, level string, journal *Journal) zerolog.Logger {
	return InitWithOutput(app, level, os.Stdout, journal)
}

// InitWithOutput is Init with an explicit console destination.
func InitWithOutput(app, level string, out io.Writer, journal *Journal) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	console := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	var w io.Writer = console
	if journal != nil {
		w = zerolog.MultiLevelWriter(console, journal)
	}

	logger := zerolog.New(w).Level(lvl).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
