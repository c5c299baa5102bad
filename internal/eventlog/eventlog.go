// Package eventlog provides the structured event sink for the agent.
//
// Events are named records with key-value fields. Depending on the
// configured endpoint they are rendered to a stream (stdout, stderr or a
// file) in key-value or JSON form, or pushed to a fluentd forwarder over
// TCP. Every emitted event carries an @timestamp field; a caller-supplied
// value is honoured if present.
package eventlog

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// TimestampKey is the reserved field name for event timestamps.
const TimestampKey = "@timestamp"

// Field is a single key-value pair attached to an event.
type Field struct {
	Key   string
	Value any
}

// String returns a string-valued field.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int returns an int-valued field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Float64 returns a float64-valued field.
func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

// Time returns a time-valued field, rendered as ISO-8601.
func Time(key string, value time.Time) Field {
	return Field{Key: key, Value: value}
}

// Any returns a field holding an arbitrary value.
func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Logger is the event sink interface threaded through the agent.
type Logger interface {
	Info(event string, fields ...Field)
}

// New builds a Logger from an endpoint string.
//
// Supported endpoints:
//
//	file:///dev/stdout
//	file:///dev/stderr
//	file://<path>
//	fluent://<host>[:<port>]/<tag>
//
// format selects the stream rendering ("kv" or "json") and is ignored on
// the fluent path. utc selects UTC timestamps; the fluent path always uses
// UTC regardless.
func New(endpoint, format string, utc bool) (Logger, error) {
	switch {
	case strings.HasPrefix(endpoint, "file://"):
		return newStreamLogger(strings.TrimPrefix(endpoint, "file://"), format, utc)
	case strings.HasPrefix(endpoint, "fluent://"):
		cfg, err := ParseFluentURL(endpoint)
		if err != nil {
			return nil, err
		}
		return newFluentLogger(cfg), nil
	default:
		return nil, fmt.Errorf("invalid logging endpoint %q", endpoint)
	}
}

// FluentConfig describes a fluentd forwarder endpoint.
type FluentConfig struct {
	Tag  string
	Host string
	Port int
}

// Addr returns the host:port dial address.
func (c FluentConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DefaultFluentPort is the fluentd forward protocol port.
const DefaultFluentPort = 24224

// ParseFluentURL parses a fluent:// endpoint. The path segment is the
// record tag and may be empty; query strings and fragments are rejected.
func ParseFluentURL(raw string) (FluentConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return FluentConfig{}, fmt.Errorf("invalid logging endpoint %q: %w", raw, err)
	}
	if u.Scheme != "fluent" || u.RawQuery != "" || u.Fragment != "" {
		return FluentConfig{}, fmt.Errorf("invalid logging endpoint %q", raw)
	}
	if u.Hostname() == "" {
		return FluentConfig{}, fmt.Errorf("invalid logging endpoint %q", raw)
	}
	port := DefaultFluentPort
	if p := u.Port(); p != "" {
		port, err = parsePort(p)
		if err != nil {
			return FluentConfig{}, fmt.Errorf("invalid logging endpoint %q", raw)
		}
	}
	return FluentConfig{
		Tag:  strings.TrimPrefix(u.Path, "/"),
		Host: u.Hostname(),
		Port: port,
	}, nil
}

func parsePort(s string) (int, error) {
	var port int
	if _, err := fmt.Sscanf(s, "%d", &port); err != nil {
		return 0, err
	}
	if port <= 0 || port > 65535 {
		return 0, fmt.Errorf("port out of range: %d", port)
	}
	return port, nil
}

// stamp collects fields into a map and ensures an @timestamp entry. A
// caller-supplied time.Time is serialised to ISO-8601; a string passes
// through untouched.
func stamp(fields []Field, utc bool, now func() time.Time) map[string]any {
	if now == nil {
		now = time.Now
	}
	out := make(map[string]any, len(fields)+1)
	for _, f := range fields {
		out[f.Key] = f.Value
	}
	ts, ok := out[TimestampKey]
	if !ok {
		t := now()
		if utc {
			t = t.UTC()
		}
		ts = t
	}
	if t, ok := ts.(time.Time); ok {
		ts = t.Format(time.RFC3339Nano)
	}
	out[TimestampKey] = ts
	return out
}
