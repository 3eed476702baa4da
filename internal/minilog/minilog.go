// minilog extends Go's logging functionality to allow for multiple loggers,
// each one with their own logging level. Call AddLogger to register each
// desired output, then use the package-level logging functions to send
// messages to every registered logger whose level permits it.
package minilog

import (
	golog "log"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/time/rate"
)

type Level int

// Log levels supported: DEBUG -> INFO -> WARN -> ERROR -> FATAL
const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	}
	return fmt.Sprintf("Level(%d)", l)
}

// ParseLevel returns the log level named by s.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "fatal":
		return FATAL, nil
	}
	return -1, errors.New("invalid log level")
}

type logger struct {
	*golog.Logger
	level Level
}

var (
	loggers = make(map[string]*logger)
	mu      sync.RWMutex
)

// AddLogger registers a named logger that writes to output, emitting only
// events at level or above. Calling AddLogger again with the same name
// replaces the existing logger.
func AddLogger(name string, output io.Writer, level Level) {
	mu.Lock()
	defer mu.Unlock()

	loggers[name] = &logger{golog.New(output, "", golog.LstdFlags), level}
}

// AddFileLogger opens (creating parent directories as needed) path for
// append and registers it as a named logger.
func AddFileLogger(name, path string, level Level) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0660)
	if err != nil {
		return err
	}

	AddLogger(name, f, level)
	return nil
}

// DelLogger removes a previously registered logger.
func DelLogger(name string) {
	mu.Lock()
	defer mu.Unlock()

	delete(loggers, name)
}

// WillLog reports whether any registered logger would emit at level. Useful
// when the message itself is expensive to format.
func WillLog(level Level) bool {
	mu.RLock()
	defer mu.RUnlock()

	for _, l := range loggers {
		if l.level <= level {
			return true
		}
	}
	return false
}

func emit(level Level, format string, arg ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()

	for _, l := range loggers {
		if l.level <= level {
			l.Printf(level.String()+" "+format, arg...)
		}
	}
}

func Debug(format string, arg ...interface{}) { emit(DEBUG, format, arg...) }
func Info(format string, arg ...interface{})  { emit(INFO, format, arg...) }
func Warn(format string, arg ...interface{})  { emit(WARN, format, arg...) }
func Error(format string, arg ...interface{}) { emit(ERROR, format, arg...) }

// Fatal logs at FATAL on every registered logger and exits the process.
func Fatal(format string, arg ...interface{}) {
	emit(FATAL, format, arg...)
	os.Exit(1)
}

// limiters holds one token-bucket limiter per throttle key, created lazily.
// Packet-forwarding-rate call sites (removal-timeout polling,
// backend-unavailable-during-teardown) can log at up to the worker tick
// rate; without throttling that floods whichever logger is registered.
var (
	limiterMu sync.Mutex
	limiters  = make(map[string]*rate.Limiter)
)

// WarnThrottled logs at WARN at most once per every interval for a given
// key, dropping (not queuing) messages in between.
func WarnThrottled(key string, every float64, format string, arg ...interface{}) {
	limiterMu.Lock()
	l, ok := limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(1/every), 1)
		limiters[key] = l
	}
	allow := l.Allow()
	limiterMu.Unlock()

	if allow {
		Warn(format, arg...)
	}
}
