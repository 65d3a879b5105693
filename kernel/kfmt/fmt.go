// Package kfmt provides the kernel's console output, leveled logging and
// the panic sink used to report unrecoverable errors.
package kfmt

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	sinkMu sync.RWMutex

	// outputSink is a io.Writer where Printf and the logger send their
	// output.
	outputSink io.Writer = os.Stderr

	log = newLogger()
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(sinkWriter{})
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
		DisableQuote:     true,
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// sinkWriter forwards writes to the currently active output sink.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	return GetOutputSink().Write(p)
}

// SetOutputSink sets the default target for calls to Printf and for log
// records. Passing nil discards all output.
func SetOutputSink(w io.Writer) {
	if w == nil {
		w = io.Discard
	}

	sinkMu.Lock()
	outputSink = w
	sinkMu.Unlock()
}

// GetOutputSink returns the current target for calls to Printf.
func GetOutputSink() io.Writer {
	sinkMu.RLock()
	defer sinkMu.RUnlock()
	return outputSink
}

// Printf writes a formatted message to the active output sink.
func Printf(format string, args ...interface{}) {
	fmt.Fprintf(GetOutputSink(), format, args...)
}

// SetLevel changes the minimum severity of emitted log records. Valid
// levels are the ones understood by logrus ("debug", "info", "warn", ...).
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}

	log.SetLevel(lvl)
	return nil
}

// Logger returns a log entry tagged with the supplied module name.
func Logger(module string) *logrus.Entry {
	return log.WithField("module", module)
}

// RateLimitedLogger emits warnings for a module no more than once per the
// configured interval and counts the warnings it suppressed.
type RateLimitedLogger struct {
	entry *logrus.Entry
	limit *rate.Limiter

	mu         sync.Mutex
	suppressed uint64
}

// NewRateLimitedLogger returns a RateLimitedLogger for module that allows a
// burst of warnings and then one warning per interval.
func NewRateLimitedLogger(module string, every time.Duration, burst int) *RateLimitedLogger {
	return &RateLimitedLogger{
		entry: Logger(module),
		limit: rate.NewLimiter(rate.Every(every), burst),
	}
}

// Warnf logs a warning if the rate limit allows it.
func (l *RateLimitedLogger) Warnf(format string, args ...interface{}) {
	if !l.limit.Allow() {
		l.mu.Lock()
		l.suppressed++
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	suppressed := l.suppressed
	l.suppressed = 0
	l.mu.Unlock()

	entry := l.entry
	if suppressed != 0 {
		entry = entry.WithField("suppressed", suppressed)
	}
	entry.Warnf(format, args...)
}

// Suppressed returns the number of warnings dropped since the last emitted one.
func (l *RateLimitedLogger) Suppressed() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.suppressed
}
