package log

import (
	"context"
	"io"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// JsoniterAPI is shared by the logger; sorted keys keep lines diffable.
var JsoniterAPI = jsoniter.Config{
	EscapeHTML:                    true,
	SortMapKeys:                   true,
	ValidateJsonRawMessage:        true,
	MarshalFloatWith6Digits:       true,
	ObjectFieldMustBeSimpleString: true,
}.Froze()

const timestampLayout = "2006-01-02T15:04:05.000000000Z"

var levelStrings = [...]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

type jsonLogger struct {
	level  Level
	out    io.Writer
	mu     *sync.Mutex
	fields map[string]any
	now    func() time.Time
}

func New(level Level, w io.Writer) Logger {
	if w == nil {
		w = io.Discard
	}
	return &jsonLogger{level: level, out: w, mu: &sync.Mutex{}, now: time.Now}
}

func (l *jsonLogger) With(args ...any) Logger {
	newFields := parseArgs(args...)
	child := &jsonLogger{level: l.level, out: l.out, mu: l.mu, now: l.now}
	if len(newFields) == 0 && len(l.fields) == 0 {
		return child
	}
	child.fields = make(map[string]any, len(l.fields)+len(newFields))
	for k, v := range l.fields {
		child.fields[k] = v
	}
	for k, v := range newFields {
		child.fields[k] = v
	}
	return child
}

func (l *jsonLogger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	return l.With("error", err.Error())
}

func (l *jsonLogger) log(ctx context.Context, level Level, msg string, fields map[string]any) {
	if level < l.level {
		return
	}

	ctxFields := fieldsFromContext(ctx)
	entry := make(map[string]any, 3+len(l.fields)+len(ctxFields)+len(fields))
	// Precedence: call-site args over context fields over persistent fields.
	for k, v := range l.fields {
		entry[k] = v
	}
	for k, v := range ctxFields {
		entry[k] = v
	}
	for k, v := range fields {
		entry[k] = v
	}
	entry["timestamp"] = l.now().UTC().Format(timestampLayout)
	entry["level"] = levelToString(level)
	entry["message"] = msg

	// The mutex is shared with derived loggers so lines never interleave.
	l.mu.Lock()
	defer l.mu.Unlock()

	stream := JsoniterAPI.BorrowStream(l.out)
	defer JsoniterAPI.ReturnStream(stream)

	stream.WriteVal(entry)
	if stream.Error != nil {
		_, _ = io.WriteString(l.out, `{"level":"ERROR","message":"failed to marshal log entry","timestamp":"`+
			l.now().UTC().Format(timestampLayout)+`"}`+"\n")
		return
	}
	stream.WriteRaw("\n")
	_ = stream.Flush()
}

func (l *jsonLogger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, LevelDebug, msg, parseArgs(args...))
}

func (l *jsonLogger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, LevelInfo, msg, parseArgs(args...))
}

func (l *jsonLogger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, LevelWarn, msg, parseArgs(args...))
}

func (l *jsonLogger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, LevelError, msg, parseArgs(args...))
}

func levelToString(level Level) string {
	if level >= 0 && int(level) < len(levelStrings) {
		return levelStrings[level]
	}
	return "INFO"
}

// parseArgs turns alternating key/value pairs into a map. Non-string keys
// and a trailing odd value are dropped.
func parseArgs(args ...any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	if len(args) == 1 {
		if m, ok := args[0].(map[string]any); ok {
			return m
		}
	}
	out := make(map[string]any, (len(args)+1)/2)
	for i := 0; i+1 < len(args); i += 2 {
		if k, ok := args[i].(string); ok {
			out[k] = args[i+1]
		}
	}
	return out
}
