package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// consoleHandler writes one human-oriented line per record:
//
//	2026-01-02T15:04:05.000Z INFO [0f9c2a1e match_frames] workflow: stage started key=value
//
// Job, stage and branch fields are lifted into the bracketed prefix and the
// component into the message lead; everything else trails as key=value pairs.
type consoleHandler struct {
	mu         *sync.Mutex
	out        io.Writer
	level      slog.Leveler
	withSource bool
	prefix     string
	fields     []field
}

type field struct {
	key   string
	value slog.Value
}

func newConsoleHandler(out io.Writer, level slog.Leveler, withSource bool) *consoleHandler {
	return &consoleHandler{mu: &sync.Mutex{}, out: out, level: level, withSource: withSource}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.fields = append([]field(nil), h.fields...)
	for _, attr := range attrs {
		next.fields = collect(next.fields, h.prefix, attr)
	}
	return &next
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	fields := append([]field(nil), h.fields...)
	record.Attrs(func(attr slog.Attr) bool {
		fields = collect(fields, h.prefix, attr)
		return true
	})

	var job, stage, branch, component string
	rest := fields[:0]
	for _, f := range fields {
		switch f.key {
		case FieldJobID:
			job = plain(f.value)
		case FieldStage:
			stage = plain(f.value)
		case FieldBranch:
			branch = plain(f.value)
		case FieldComponent:
			if component == "" {
				component = plain(f.value)
			}
		default:
			rest = append(rest, f)
		}
	}

	when := record.Time
	if when.IsZero() {
		when = time.Now()
	}
	var line strings.Builder
	line.WriteString(when.UTC().Format(timeLayout))
	line.WriteString(" " + levelName(record.Level) + " ")
	if tag := scopeTag(job, stage, branch); tag != "" {
		line.WriteString("[" + tag + "] ")
	}
	if component != "" {
		line.WriteString(component + ": ")
	}
	msg := strings.TrimSpace(record.Message)
	if msg == "" {
		msg = "(no message)"
	}
	line.WriteString(msg)
	if h.withSource && record.PC != 0 {
		if src := record.Source(); src != nil {
			line.WriteString(" [" + sourceLabel(src) + "]")
		}
	}
	for _, f := range rest {
		line.WriteString(" " + f.key + "=" + render(f.value))
	}
	line.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, line.String())
	return err
}

// collect flattens attr into fields, joining group names with dots.
func collect(fields []field, prefix string, attr slog.Attr) []field {
	if attr.Equal(slog.Attr{}) {
		return fields
	}
	value := attr.Value.Resolve()
	if value.Kind() == slog.KindGroup {
		inner := prefix
		if attr.Key != "" {
			inner = prefix + attr.Key + "."
		}
		for _, member := range value.Group() {
			fields = collect(fields, inner, member)
		}
		return fields
	}
	key := prefix + attr.Key
	if attr.Key == "" {
		key = strings.TrimSuffix(prefix, ".")
	}
	return append(fields, field{key: key, value: value})
}

func scopeTag(job, stage, branch string) string {
	parts := make([]string, 0, 2)
	if job != "" {
		parts = append(parts, shortID(job))
	}
	switch {
	case branch != "" && branch != stage:
		parts = append(parts, branch)
	case stage != "":
		parts = append(parts, stage)
	}
	return strings.Join(parts, " ")
}

// shortID keeps the first block of a uuid job id.
func shortID(id string) string {
	head, _, found := strings.Cut(id, "-")
	if found && head != "" {
		return head
	}
	return id
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	}
	return "DEBUG"
}

func plain(v slog.Value) string {
	if v.Kind() == slog.KindString {
		return v.String()
	}
	return render(v)
}

func render(v slog.Value) string {
	var s string
	switch v.Kind() {
	case slog.KindString:
		s = v.String()
	case slog.KindTime:
		return v.Time().UTC().Format(timeLayout)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			s = err.Error()
		} else {
			s = fmt.Sprint(v.Any())
		}
	default:
		s = v.String()
	}
	if s == "" || strings.ContainsAny(s, " \t\n\r=\"") {
		return strconv.Quote(s)
	}
	return s
}
