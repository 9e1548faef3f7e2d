package logs

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

type Level string

const (
	INFO  Level = "INFO"
	WARN  Level = "WARN"
	ERROR Level = "ERROR"
	DEBUG Level = "DEBUG"
)

// levelPriority defines the priority of each log level
// higher value= more severe
var levelPriority = map[Level]int{
	DEBUG: 1,
	INFO:  2,
	WARN:  3,
	ERROR: 4,
}

// ParseLevel maps a case-insensitive level name to a Level.
func ParseLevel(s string) (Level, bool) {
	lvl := Level(strings.ToUpper(strings.TrimSpace(s)))
	if lvl == "ERR" {
		lvl = ERROR
	}
	_, ok := levelPriority[lvl]
	return lvl, ok
}

type Entry struct {
	TimeStamp time.Time         `json:"timestamp"`
	Level     Level             `json:"level"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Logger is a go-kit log.Logger that keeps the most recent records in
// memory and forwards them to a sink.
//
// Records below the configured level are dropped before they reach either
// the buffer or the sink.
type Logger struct {
	mu      sync.Mutex
	entries []Entry
	maxSize int
	level   Level
	sink    log.Logger
}

var _ log.Logger = (*Logger)(nil)

// level: minimum log level to record(e.g., INFO, WARN, ERROR,DEBUG)
//
// maxsize:maximum number of log entries kept in memory
func NewLogger(maxSize int, level Level) *Logger {
	return &Logger{
		entries: make([]Entry, 0, maxSize),
		maxSize: maxSize,
		level:   level,
		sink:    log.NewNopLogger(),
	}
}

// New returns a Logger that also writes logfmt lines to w, stamped with
// a UTC timestamp.
func New(w io.Writer, maxSize int, level Level) *Logger {
	l := NewLogger(maxSize, level)
	sink := log.NewLogfmtLogger(log.NewSyncWriter(w))
	l.sink = log.With(sink, "ts", log.DefaultTimestampUTC)
	return l
}

// Log implements log.Logger. The level is read from the go-kit level key
// and defaults to INFO when missing.
func (l *Logger) Log(keyvals ...interface{}) error {
	lvl := INFO
	msg := ""
	var fields map[string]string

	for i := 0; i+1 < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		val := fmt.Sprint(keyvals[i+1])
		switch {
		case keyvals[i] == level.Key():
			if parsed, ok := ParseLevel(val); ok {
				lvl = parsed
			}
		case key == "msg":
			msg = val
		default:
			if fields == nil {
				fields = make(map[string]string)
			}
			fields[key] = val
		}
	}

	//filter logs below the current level
	if levelPriority[lvl] < levelPriority[l.level] {
		return nil
	}

	l.record(Entry{
		TimeStamp: time.Now(),
		Level:     lvl,
		Message:   msg,
		Fields:    fields,
	})
	return l.sink.Log(keyvals...)
}

// record appends to the buffer, dropping the oldest entry when full.
func (l *Logger) record(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxSize <= 0 {
		return
	}
	if len(l.entries) >= l.maxSize {
		//remove oldest entry(ring behavior)
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, e)
}

func (l *Logger) GetLast(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n > len(l.entries) {
		n = len(l.entries)
	}

	start := len(l.entries) - n
	out := make([]Entry, n)
	copy(out, l.entries[start:])
	return out
}
