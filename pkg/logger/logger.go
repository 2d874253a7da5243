package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const timeLayout = "2006-01-02 15:04:05"

// Log writes text to stdout until Init replaces it.
var Log = newLogger(logrus.InfoLevel, textFormatter(), os.Stdout)

// Options mirrors the logging section of the config file. Output is
// stdout, stderr, discard or a file path.
type Options struct {
	Level  string
	Format string
	Output string
}

// sensitiveKeys are field-name fragments whose values never reach a sink.
var sensitiveKeys = []string{"private_key", "privatekey", "password", "secret", "mnemonic"}

const redacted = "<redacted>"

// Init rebuilds Log from opts. The returned closer releases a log file and
// is a no-op for the standard streams.
func Init(opts Options) (io.Closer, error) {
	lvl := logrus.InfoLevel
	if opts.Level != "" {
		parsed, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
		lvl = parsed
	}

	var formatter logrus.Formatter
	switch opts.Format {
	case "", "text":
		formatter = textFormatter()
	case "json":
		formatter = &logrus.JSONFormatter{TimestampFormat: timeLayout}
	default:
		return nil, fmt.Errorf("logging.format %q is not text or json", opts.Format)
	}

	var (
		out    io.Writer
		closer io.Closer = nopCloser{}
	)
	switch opts.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	case "discard":
		out = io.Discard
	default:
		file, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, err
		}
		out, closer = file, file
	}

	Log = newLogger(lvl, formatter, out)
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func newLogger(lvl logrus.Level, formatter logrus.Formatter, out io.Writer) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(lvl)
	l.SetFormatter(formatter)
	l.SetOutput(out)
	l.AddHook(redactHook{})
	return l
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: timeLayout}
}

// redactHook blanks fields that look like credentials before formatting.
type redactHook struct{}

func (redactHook) Levels() []logrus.Level { return logrus.AllLevels }

func (redactHook) Fire(entry *logrus.Entry) error {
	for key := range entry.Data {
		if isSensitive(key) {
			entry.Data[key] = redacted
		}
	}
	return nil
}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// For scopes entries to one engine component, e.g. "ingestion" or "signer".
func For(component string) *logrus.Entry {
	return Log.WithField("component", component)
}

func WithFields(fields logrus.Fields) *logrus.Entry {
	return Log.WithFields(fields)
}

func WithError(err error) *logrus.Entry {
	return Log.WithError(err)
}

func Info(args ...interface{}) {
	Log.Info(args...)
}

func Warn(args ...interface{}) {
	Log.Warn(args...)
}
