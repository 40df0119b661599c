// Package log is a small leveled, key/value structured logger:
// Info/Warn/Error/Debug take a message followed by alternating key,
// value pairs.
package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "?"
	}
}

var levelColor = map[Level]*color.Color{
	LevelDebug: color.New(color.FgHiBlack),
	LevelInfo:  color.New(color.FgGreen),
	LevelWarn:  color.New(color.FgYellow),
	LevelError: color.New(color.FgRed, color.Bold),
}

// Logger is a component-scoped logger carrying a fixed set of context
// key/value pairs, created with New.
type Logger struct {
	ctx []interface{}
}

var (
	mu      sync.Mutex
	out     io.Writer
	colored bool
	minLvl  = LevelDebug
)

func init() {
	if f, ok := os.Stderr.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		out = colorable.NewColorable(f)
		colored = true
	} else {
		out = os.Stderr
	}
}

// SetOutput redirects all logging, primarily for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	colored = false
}

// SetLevel suppresses log lines below lvl.
func SetLevel(lvl Level) {
	mu.Lock()
	defer mu.Unlock()
	minLvl = lvl
}

// New returns a Logger that prepends ctx to every line it emits.
func New(ctx ...interface{}) Logger {
	return Logger{ctx: ctx}
}

func (l Logger) With(ctx ...interface{}) Logger {
	merged := make([]interface{}, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return Logger{ctx: merged}
}

func (l Logger) Debug(msg string, kv ...interface{}) { write(LevelDebug, l.ctx, msg, kv) }
func (l Logger) Info(msg string, kv ...interface{})  { write(LevelInfo, l.ctx, msg, kv) }
func (l Logger) Warn(msg string, kv ...interface{})  { write(LevelWarn, l.ctx, msg, kv) }
func (l Logger) Error(msg string, kv ...interface{}) { write(LevelError, l.ctx, msg, kv) }

// package-level default logger, for callers that want log.Info(...)
// directly without constructing a Logger first.
func Debug(msg string, kv ...interface{}) { write(LevelDebug, nil, msg, kv) }
func Info(msg string, kv ...interface{})  { write(LevelInfo, nil, msg, kv) }
func Warn(msg string, kv ...interface{})  { write(LevelWarn, nil, msg, kv) }
func Error(msg string, kv ...interface{}) { write(LevelError, nil, msg, kv) }

func write(lvl Level, ctx []interface{}, msg string, kv []interface{}) {
	mu.Lock()
	defer mu.Unlock()
	if lvl < minLvl {
		return
	}
	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	var line string
	if colored {
		c := levelColor[lvl]
		line = fmt.Sprintf("%s %s %s", ts, c.Sprint(lvl.String()), msg)
	} else {
		line = fmt.Sprintf("%s %-5s %s", ts, lvl.String(), msg)
	}
	all := make([]interface{}, 0, len(ctx)+len(kv))
	all = append(all, ctx...)
	all = append(all, kv...)
	for i := 0; i+1 < len(all); i += 2 {
		line += fmt.Sprintf(" %v=%v", all[i], all[i+1])
	}
	if len(all)%2 == 1 {
		line += fmt.Sprintf(" %v=MISSING", all[len(all)-1])
	}
	fmt.Fprintln(out, line)
}
