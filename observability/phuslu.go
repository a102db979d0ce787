package observability

import (
	"github.com/phuslu/log"
)

// phusluLogger binds the Logger contract to a phuslu/log backend.
type phusluLogger struct {
	l     *log.Logger
	bound []Field
}

// NewLogger wraps a phuslu logger. A nil backend selects a sensible
// console default at info level.
func NewLogger(l *log.Logger) Logger {
	if l == nil {
		l = &log.Logger{
			Level:  log.InfoLevel,
			Writer: &log.ConsoleWriter{},
		}
	}
	return &phusluLogger{l: l}
}

func (p *phusluLogger) With(fields ...Field) Logger {
	merged := make([]Field, 0, len(p.bound)+len(fields))
	merged = append(merged, p.bound...)
	merged = append(merged, fields...)
	return &phusluLogger{l: p.l, bound: merged}
}

func (p *phusluLogger) Debug(msg string, fields ...Field) { p.emit(p.l.Debug(), msg, fields) }
func (p *phusluLogger) Info(msg string, fields ...Field)  { p.emit(p.l.Info(), msg, fields) }
func (p *phusluLogger) Warn(msg string, fields ...Field)  { p.emit(p.l.Warn(), msg, fields) }
func (p *phusluLogger) Error(msg string, fields ...Field) { p.emit(p.l.Error(), msg, fields) }

func (p *phusluLogger) emit(e *log.Entry, msg string, fields []Field) {
	if e == nil {
		return
	}
	for _, f := range p.bound {
		e = apply(e, f)
	}
	for _, f := range fields {
		e = apply(e, f)
	}
	e.Msg(msg)
}

func apply(e *log.Entry, f Field) *log.Entry {
	switch v := f.Value().(type) {
	case string:
		return e.Str(f.Key(), v)
	case int:
		return e.Int(f.Key(), v)
	case int64:
		return e.Int64(f.Key(), v)
	case float64:
		return e.Float64(f.Key(), v)
	case error:
		return e.AnErr(f.Key(), v)
	default:
		return e.Interface(f.Key(), v)
	}
}
