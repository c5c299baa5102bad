package eventlog

import (
	"net"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// FluentLogger pushes event records to a fluentd forwarder over TCP using
// the forward protocol: each record is a MessagePack-packed
// [tag, timestamp, payload] tuple. Timestamps on this path are always UTC.
type FluentLogger struct {
	cfg FluentConfig

	mu   sync.Mutex
	conn net.Conn
	now  func() time.Time
}

func newFluentLogger(cfg FluentConfig) *FluentLogger {
	return &FluentLogger{cfg: cfg}
}

// Tag returns the configured record tag.
func (l *FluentLogger) Tag() string { return l.cfg.Tag }

// Host returns the forwarder host.
func (l *FluentLogger) Host() string { return l.cfg.Host }

// Port returns the forwarder port.
func (l *FluentLogger) Port() int { return l.cfg.Port }

// Info emits one event record. Delivery is best-effort: connection
// failures drop the record, a stale connection is redialed once.
func (l *FluentLogger) Info(event string, fields ...Field) {
	now := l.now
	if now == nil {
		now = time.Now
	}
	payload := stamp(fields, true, now)

	tag := l.cfg.Tag
	if tag == "" {
		tag = event
	} else if event != "" {
		tag = tag + "." + event
	}

	buf, err := msgpack.Marshal([]any{tag, now().Unix(), payload})
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.write(buf); err != nil {
		l.reset()
		if err := l.write(buf); err != nil {
			l.reset()
		}
	}
}

func (l *FluentLogger) write(buf []byte) error {
	if l.conn == nil {
		conn, err := net.DialTimeout("tcp", l.cfg.Addr(), 3*time.Second)
		if err != nil {
			return err
		}
		l.conn = conn
	}
	_, err := l.conn.Write(buf)
	return err
}

func (l *FluentLogger) reset() {
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
}

// Close tears down the forwarder connection.
func (l *FluentLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}
