// Package dcllog is the structured logging facade shared by the host ICD
// runtime and the compute-node daemon: a narrow adapter over logrus,
// constructed once per process, with contextual fields for the object
// graph (node, session, object id) attached at each call site instead of
// threaded through every function signature.
package dcllog

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Ctx is a set of structured fields attached to a single log entry.
type Ctx map[string]any

// Logger is the logging surface every dcl package depends on.
type Logger struct {
	entry *logrus.Entry
}

var (
	root     *Logger
	rootOnce sync.Once
)

// New builds a Logger backed by a fresh logrus instance at the given
// level, tagged with name (e.g. "host", "daemon[node-3]").
func New(name string, level logrus.Level) *Logger {
	base := logrus.New()
	base.SetLevel(level)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{entry: base.WithField("component", name)}
}

// Default returns the process-wide default logger, initialised lazily at
// info level. Daemons and the host ICD both call Init to override it before
// any object is created; Default is a fallback for code paths reached
// before Init (e.g. node-file parsing errors).
func Default() *Logger {
	rootOnce.Do(func() {
		root = New("dcl", logrus.InfoLevel)
	})
	return root
}

// Init installs l as the process-wide default logger.
func Init(l *Logger) {
	rootOnce.Do(func() {})
	root = l
}

// With returns a child logger with additional fields merged in, e.g.
// log.With(dcllog.Ctx{"session": id}).
func (l *Logger) With(ctx Ctx) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(ctx))}
}

func (l *Logger) Debug(msg string, ctx ...Ctx) { l.log(logrus.DebugLevel, msg, ctx...) }
func (l *Logger) Info(msg string, ctx ...Ctx)  { l.log(logrus.InfoLevel, msg, ctx...) }
func (l *Logger) Warn(msg string, ctx ...Ctx)  { l.log(logrus.WarnLevel, msg, ctx...) }
func (l *Logger) Error(msg string, ctx ...Ctx) { l.log(logrus.ErrorLevel, msg, ctx...) }

func (l *Logger) log(level logrus.Level, msg string, ctx ...Ctx) {
	entry := l.entry
	for _, c := range ctx {
		entry = entry.WithFields(logrus.Fields(c))
	}
	entry.Log(level, msg)
}
