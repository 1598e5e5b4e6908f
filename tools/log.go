package tools

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// NewLogger creates the root logger that every component logger is cloned from.
func NewLogger(level string, format string, out io.Writer) (*Logger, error) {
	l := logrus.New()
	l.SetOutput(out)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("could not parse log level %q: %w", level, err)
	}
	l.SetLevel(lvl)

	switch format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return LoggerCloner(l), nil
}

// DiscardLogger is used by tests and by components that was not given a logger.
func DiscardLogger() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return LoggerCloner(l)
}

func LoggerCloner(l *logrus.Logger) *Logger {
	return &Logger{
		def: l,
	}
}

type Logger struct {
	def *logrus.Logger
}

// New returns a copy of the root logger tagging every entry with who=name.
func (l *Logger) New(name string) *logrus.Logger {

	hooks := logrus.LevelHooks{}
	for lvl, hs := range l.def.Hooks {
		hooks[lvl] = append(hooks[lvl], hs...)
	}

	ll := &logrus.Logger{
		Out:          l.def.Out,
		Formatter:    l.def.Formatter,
		Hooks:        hooks,
		Level:        l.def.Level,
		ExitFunc:     l.def.ExitFunc,
		ReportCaller: l.def.ReportCaller,
	}

	ll.AddHook(LoggerWho{Name: name})
	return ll

}

type LoggerWho struct {
	Name string
}

func (w LoggerWho) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (w LoggerWho) Fire(entry *logrus.Entry) error {
	entry.Data["who"] = w.Name
	return nil
}
