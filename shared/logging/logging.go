package logging

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	_loggersLock sync.Mutex
	_loggers     = map[string]*logrus.Logger{}
	_level       = logrus.InfoLevel
)

// NewLogger returns the logger registered under loggerName, creating it on first use.
// Every entry written through the logger carries the name in the "logger" field.
func NewLogger(loggerName string) *logrus.Logger {
	_loggersLock.Lock()
	defer _loggersLock.Unlock()
	if l, ok := _loggers[loggerName]; ok {
		return l
	}
	logger := logrus.New()
	//logger.SetOutput(io.MultiWriter(os.Stdout))
	logger.SetLevel(_level)
	logger.AddHook(nameHook(loggerName))
	_loggers[loggerName] = logger
	return logger
}

// SetLevel changes the level of all registered loggers and of loggers created later.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	_loggersLock.Lock()
	defer _loggersLock.Unlock()
	_level = lvl
	for _, l := range _loggers {
		l.SetLevel(lvl)
	}
	return nil
}

type nameHook string

func (n nameHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (n nameHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["logger"]; !ok {
		entry.Data["logger"] = string(n)
	}
	return nil
}

// Printf adapts a logrus logger to printf-style logger interfaces of third party drivers.
type Printf struct {
	Logger *logrus.Logger
}

func (p Printf) Printf(format string, args ...interface{}) {
	p.Logger.Infof(format, args...)
}
