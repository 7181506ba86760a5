// Package logx provides leveled, component-tagged logging with domain-filtered debug output.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampFormat = "2006-01-02T15:04:05.000Z"

// Options controls where log lines go and which debug domains are printed.
// A single Options value is shared by every logger derived from it.
type Options struct {
	Output  io.Writer
	Debug   bool
	Domains map[string]bool // nil = all domains

	mu sync.Mutex
}

// NewOptions builds Options writing to out. Domains is a comma separated list;
// empty enables every domain.
func NewOptions(out io.Writer, debug bool, domains string) *Options {
	if out == nil {
		out = os.Stderr
	}
	opts := &Options{Output: out, Debug: debug}
	if domains != "" {
		opts.Domains = make(map[string]bool)
		for _, d := range strings.Split(domains, ",") {
			if d = strings.TrimSpace(d); d != "" {
				opts.Domains[d] = true
			}
		}
	}
	return opts
}

// OptionsFromEnv reads TASKORCH_DEBUG and TASKORCH_DEBUG_DOMAINS.
func OptionsFromEnv() *Options {
	debug := os.Getenv("TASKORCH_DEBUG")
	enabled := debug == "1" || strings.EqualFold(debug, "true")
	return NewOptions(os.Stderr, enabled, os.Getenv("TASKORCH_DEBUG_DOMAINS"))
}

// DebugEnabledFor reports whether debug lines for domain are printed.
func (o *Options) DebugEnabledFor(domain string) bool {
	if !o.Debug {
		return false
	}
	if o.Domains == nil {
		return true
	}
	return o.Domains[domain]
}

func (o *Options) write(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, _ = io.WriteString(o.Output, line+"\n")
}

type Logger struct {
	component string
	opts      *Options
}

// NewLogger returns a stderr logger with debug output disabled.
func NewLogger(component string) *Logger {
	return New(component, nil)
}

// New returns a logger for component writing through opts.
func New(component string, opts *Options) *Logger {
	if opts == nil {
		opts = NewOptions(os.Stderr, false, "")
	}
	return &Logger{component: component, opts: opts}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return New("discard", NewOptions(io.Discard, false, ""))
}

func (l *Logger) Component() string {
	return l.component
}

// With returns a logger for another component sharing the same options.
func (l *Logger) With(component string) *Logger {
	return &Logger{component: component, opts: l.opts}
}

func (l *Logger) log(level Level, format string, args ...any) {
	timestamp := time.Now().UTC().Format(timestampFormat)
	message := fmt.Sprintf(format, args...)
	l.opts.write(fmt.Sprintf("[%s] [%s] %s: %s", timestamp, l.component, level, message))
}

func (l *Logger) Debug(format string, args ...any) {
	if !l.opts.Debug {
		return
	}
	l.log(LevelDebug, format, args...)
}

// DebugDomain logs only when debug output is enabled for domain.
//
//	log.DebugDomain(ctx, "dispatch", "claimed %s", task.ID)
func (l *Logger) DebugDomain(ctx context.Context, domain, format string, args ...any) {
	if !l.opts.DebugEnabledFor(domain) {
		return
	}
	message := fmt.Sprintf("[%s] %s", domain, fmt.Sprintf(format, args...))
	if id := TaskID(ctx); id != "" {
		message = fmt.Sprintf("[%s] %s", id, message)
	}
	l.log(LevelDebug, "%s", message)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
//
//	if err != nil { return log.Wrap(err, "db connect") }
func (l *Logger) Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	l.Error("%s", wrapped.Error())
	return wrapped
}

// Errorf logs and returns the formatted error.
func (l *Logger) Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	l.Error("%s", err.Error())
	return err
}

type taskIDKey struct{}

// WithTaskID tags ctx so domain debug lines carry the task id.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, id)
}

// TaskID returns the task id stored by WithTaskID, or "".
func TaskID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}
