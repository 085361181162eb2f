// Package console prints the tagged status lines of burnsync.
//
// Every line has the shape "tag subject status", for example
//
//	[burnsync] 12:04:31 hmr change src/main.ts -> @home:/main.js (done)
//
// Terminal output is colored when the terminal supports it; the optional log
// file receives the same lines without styling and is rotated by lumberjack.
package console

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Prefix starts every line.
const Prefix = "[burnsync] "

// Level filters output.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel converts debug/info/warn/error to a Level. The empty string is info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level: %s", s)
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Status is the trailing outcome marker of a line.
type Status int

const (
	StatusNone Status = iota
	StatusPending
	StatusDone
	StatusIgnored
	StatusFailed
)

// String returns the marker text, e.g. "(pending)".
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "(pending)"
	case StatusDone:
		return "(done)"
	case StatusIgnored:
		return "(ignored)"
	case StatusFailed:
		return "(error)"
	default:
		return ""
	}
}

// Config configures a Logger.
type Config struct {
	// Level is debug, info, warn or error (default info).
	Level string
	// Out receives terminal output (default os.Stderr).
	Out io.Writer
	// NoColor disables styling even on a color terminal.
	NoColor bool
	// LogFile, when set, receives a plain copy of every line.
	LogFile string
	// MaxSizeMB is the rotation threshold of LogFile (default 10).
	MaxSizeMB int
}

// Logger writes tagged lines to the terminal and, optionally, a log file.
type Logger struct {
	level Level

	out       *log.Logger
	outStyles styles

	file       *log.Logger
	fileStyles styles
	closer     io.Closer
}

// New creates a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}

	l := &Logger{
		level:     level,
		out:       log.New(out, Prefix, log.Ltime),
		outStyles: newStyles(out, cfg.NoColor || !colorCapable(out)),
	}

	if cfg.LogFile != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		writer := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    maxSize,
			MaxBackups: 3,
			MaxAge:     14,
		}
		l.file = log.New(writer, Prefix, log.LstdFlags)
		l.fileStyles = newStyles(writer, true)
		l.closer = writer
	}

	return l, nil
}

// Discard returns a Logger that prints nothing. Useful in tests.
func Discard() *Logger {
	return &Logger{
		level:     LevelError + 1,
		out:       log.New(io.Discard, "", 0),
		outStyles: newStyles(io.Discard, true),
	}
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Debug prints a line only at debug level.
func (l *Logger) Debug(tag string, parts ...string) {
	l.emit(LevelDebug, func(s styles) string { return s.normal(tag, parts, StatusNone) })
}

// Info prints "tag subject rest...": the tag is highlighted and the subject dimmed.
func (l *Logger) Info(tag string, parts ...string) {
	l.emit(LevelInfo, func(s styles) string { return s.normal(tag, parts, StatusNone) })
}

// Status prints an info line ending in a status marker.
func (l *Logger) Status(tag, subject string, st Status) {
	l.emit(LevelInfo, func(s styles) string { return s.normal(tag, []string{subject}, st) })
}

// Warn prints a warning line.
func (l *Logger) Warn(tag string, parts ...string) {
	l.emit(LevelWarn, func(s styles) string { return s.warn.Render(join(tag, parts)) })
}

// Error prints an error line.
func (l *Logger) Error(tag string, parts ...string) {
	l.emit(LevelError, func(s styles) string { return s.err.Render(join(tag, parts)) })
}

// Errorf prints an error line built from a format string.
func (l *Logger) Errorf(tag, format string, args ...any) {
	l.Error(tag, fmt.Sprintf(format, args...))
}

func (l *Logger) emit(level Level, render func(styles) string) {
	if level < l.level {
		return
	}
	l.out.Println(render(l.outStyles))
	if l.file != nil {
		l.file.Println(render(l.fileStyles))
	}
}

func join(tag string, parts []string) string {
	all := make([]string, 0, len(parts)+1)
	for _, p := range append([]string{tag}, parts...) {
		if p != "" {
			all = append(all, p)
		}
	}
	return strings.Join(all, " ")
}

type styles struct {
	tag     lipgloss.Style
	subject lipgloss.Style
	warn    lipgloss.Style
	err     lipgloss.Style
	status  map[Status]lipgloss.Style
}

func newStyles(w io.Writer, plain bool) styles {
	r := lipgloss.NewRenderer(w)
	if plain {
		r.SetColorProfile(termenv.Ascii)
	}
	return styles{
		tag:     r.NewStyle().Foreground(lipgloss.Color("2")),
		subject: r.NewStyle().Faint(true),
		warn:    r.NewStyle().Foreground(lipgloss.Color("3")),
		err:     r.NewStyle().Foreground(lipgloss.Color("1")),
		status: map[Status]lipgloss.Style{
			StatusPending: r.NewStyle().Foreground(lipgloss.Color("3")),
			StatusDone:    r.NewStyle().Foreground(lipgloss.Color("2")),
			StatusIgnored: r.NewStyle().Faint(true),
			StatusFailed:  r.NewStyle().Foreground(lipgloss.Color("1")),
		},
	}
}

func (s styles) normal(tag string, parts []string, st Status) string {
	out := make([]string, 0, len(parts)+2)
	if tag != "" {
		out = append(out, s.tag.Render(tag))
	}
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			p = s.subject.Render(p)
		}
		out = append(out, p)
	}
	if st != StatusNone {
		out = append(out, s.status[st].Render(st.String()))
	}
	return strings.Join(out, " ")
}

func colorCapable(w io.Writer) bool {
	if termenv.EnvNoColor() {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
