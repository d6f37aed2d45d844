package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"
)

// LogEvent accumulates the fields of one log line. All methods are safe on a
// nil receiver so filtered events cost nothing at the call site.
type LogEvent struct {
	buf    bytes.Buffer
	level  Level
	logger Logger
}

func newEvent(logger Logger) *LogEvent {
	return &LogEvent{logger: logger}
}

// Reset prepares the event for reuse from the pool.
func (e *LogEvent) Reset() {
	e.buf.Reset()
	e.buf.WriteByte('{')
}

func (e *LogEvent) key(k string) {
	if e.buf.Len() > 1 {
		e.buf.WriteByte(',')
	}
	appendJSONString(&e.buf, k)
	e.buf.WriteByte(':')
}

// Str adds a string field.
func (e *LogEvent) Str(k, v string) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	appendJSONString(&e.buf, v)
	return e
}

// Strs adds a string array field.
func (e *LogEvent) Strs(k string, vs []string) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteByte('[')
	for i, v := range vs {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		appendJSONString(&e.buf, v)
	}
	e.buf.WriteByte(']')
	return e
}

// Stringer adds v.String(), or null for a nil v.
func (e *LogEvent) Stringer(k string, v fmt.Stringer) *LogEvent {
	if e == nil {
		return nil
	}
	if v == nil {
		e.key(k)
		e.buf.WriteString("null")
		return e
	}
	return e.Str(k, v.String())
}

// Int adds an integer field.
func (e *LogEvent) Int(k string, v int) *LogEvent {
	return e.Int64(k, int64(v))
}

// Int32 adds an integer field.
func (e *LogEvent) Int32(k string, v int32) *LogEvent {
	return e.Int64(k, int64(v))
}

// Int64 adds an integer field.
func (e *LogEvent) Int64(k string, v int64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.Write(strconv.AppendInt(e.buf.AvailableBuffer(), v, 10))
	return e
}

// Uint64 adds an unsigned integer field.
func (e *LogEvent) Uint64(k string, v uint64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.Write(strconv.AppendUint(e.buf.AvailableBuffer(), v, 10))
	return e
}

// Float64 adds a number in its shortest exact form.
func (e *LogEvent) Float64(k string, v float64) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.Write(strconv.AppendFloat(e.buf.AvailableBuffer(), v, 'f', -1, 64))
	return e
}

// Bool adds a boolean field.
func (e *LogEvent) Bool(k string, v bool) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.Write(strconv.AppendBool(e.buf.AvailableBuffer(), v))
	return e
}

// Dur writes d in its time.Duration string form, e.g. "1.5s".
func (e *LogEvent) Dur(k string, d time.Duration) *LogEvent {
	return e.Str(k, d.String())
}

// Time adds t formatted to milliseconds in its own location.
func (e *LogEvent) Time(k string, t *time.Time) *LogEvent {
	if e == nil {
		return nil
	}
	e.key(k)
	e.buf.WriteByte('"')
	e.buf.Write(t.AppendFormat(e.buf.AvailableBuffer(), "2006-01-02 15:04:05.000"))
	e.buf.WriteByte('"')
	return e
}

// Err adds the error under "error". A nil error is skipped.
func (e *LogEvent) Err(err error) *LogEvent {
	if e == nil || err == nil {
		return e
	}
	return e.Str("error", err.Error())
}

// Any marshals v with encoding/json, falling back to its %v form.
func (e *LogEvent) Any(k string, v any) *LogEvent {
	if e == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return e.Str(k, fmt.Sprintf("%v", v))
	}
	e.key(k)
	e.buf.Write(b)
	return e
}

// Msg finishes the event and hands it to the logger's appenders.
func (e *LogEvent) Msg(msg string) {
	if e == nil {
		return
	}
	e.Str("msg", msg)
	e.buf.WriteString("}\n")
	e.logger.OnEventEnd(e)
}

// Msgf is Msg with a formatted message.
func (e *LogEvent) Msgf(format string, args ...any) {
	if e == nil {
		return
	}
	e.Msg(fmt.Sprintf(format, args...))
}

const _hex = "0123456789abcdef"

func appendJSONString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch {
			case c == '"' || c == '\\':
				buf.WriteByte('\\')
				buf.WriteByte(c)
			case c == '\n':
				buf.WriteString(`\n`)
			case c == '\r':
				buf.WriteString(`\r`)
			case c == '\t':
				buf.WriteString(`\t`)
			case c < 0x20:
				buf.WriteString(`\u00`)
				buf.WriteByte(_hex[c>>4])
				buf.WriteByte(_hex[c&0xf])
			default:
				buf.WriteByte(c)
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			buf.WriteString(`�`)
		} else {
			buf.WriteString(s[i : i+size])
		}
		i += size
	}
	buf.WriteByte('"')
}
