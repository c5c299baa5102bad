package eventlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// StreamLogger renders events to an io.Writer in key-value or JSON form.
type StreamLogger struct {
	mu     sync.Mutex
	w      io.Writer
	format string
	utc    bool
	closer io.Closer
	now    func() time.Time
}

func newStreamLogger(path, format string, utc bool) (*StreamLogger, error) {
	if format != "kv" && format != "json" {
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	l := &StreamLogger{format: format, utc: utc}
	switch path {
	case "/dev/stdout":
		l.w = os.Stdout
	case "/dev/stderr":
		l.w = os.Stderr
	default:
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.w = f
		l.closer = f
	}
	return l, nil
}

// NewStreamLogger renders events to w. Used directly by tests; production
// configuration goes through New.
func NewStreamLogger(w io.Writer, format string, utc bool) *StreamLogger {
	return &StreamLogger{w: w, format: format, utc: utc}
}

// Info emits one event record.
func (l *StreamLogger) Info(event string, fields ...Field) {
	record := stamp(fields, l.utc, l.now)
	record["event"] = event

	var line string
	if l.format == "json" {
		buf, err := json.Marshal(record)
		if err != nil {
			return
		}
		line = string(buf)
	} else {
		line = renderKV(record)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, line)
}

// Close releases the underlying file when the logger owns one.
func (l *StreamLogger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// renderKV renders a record as space-separated key=value pairs with
// @timestamp and event first and the remaining keys sorted.
func renderKV(record map[string]any) string {
	keys := make([]string, 0, len(record))
	for k := range record {
		if k == TimestampKey || k == "event" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := append([]string{TimestampKey, "event"}, keys...)

	var b strings.Builder
	for i, k := range ordered {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		switch v := record[k].(type) {
		case string:
			b.WriteString("'" + v + "'")
		default:
			fmt.Fprintf(&b, "%v", v)
		}
	}
	return b.String()
}
