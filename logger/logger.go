package logger

type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

type NoopLogger struct{}

func (NoopLogger) Debug(string, map[string]any) {}
func (NoopLogger) Info(string, map[string]any)  {}
func (NoopLogger) Warn(string, map[string]any)  {}
func (NoopLogger) Error(string, map[string]any) {}

// With returns a Logger that adds fields to every entry. Per-call fields win
// over the bound ones.
func With(l Logger, fields map[string]any) Logger {
	if l == nil {
		return NoopLogger{}
	}
	if len(fields) == 0 {
		return l
	}
	if b, ok := l.(*boundLogger); ok {
		return &boundLogger{next: b.next, fields: merge(b.fields, fields)}
	}
	return &boundLogger{next: l, fields: fields}
}

type boundLogger struct {
	next   Logger
	fields map[string]any
}

func (b *boundLogger) Debug(msg string, f map[string]any) { b.next.Debug(msg, merge(b.fields, f)) }
func (b *boundLogger) Info(msg string, f map[string]any)  { b.next.Info(msg, merge(b.fields, f)) }
func (b *boundLogger) Warn(msg string, f map[string]any)  { b.next.Warn(msg, merge(b.fields, f)) }
func (b *boundLogger) Error(msg string, f map[string]any) { b.next.Error(msg, merge(b.fields, f)) }

func merge(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
