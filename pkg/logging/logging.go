// Package logging sets up the process-wide logger: a logrus backend with a
// compact single-line format, wrapped so that dlog picks it up from the
// context everywhere else in the code.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/datawire/dlib/dlog"
)

// MakeBaseLogger returns a context carrying the configured root logger.
func MakeBaseLogger(ctx context.Context, logLevel string) context.Context {
	logrusLogger := logrus.StandardLogger()
	logrusLogger.SetFormatter(NewFormatter("2006-01-02 15:04:05.0000"))
	SetLogrusLevel(logrusLogger, logLevel)

	logger := dlog.WrapLogrus(logrusLogger)
	dlog.SetFallbackLogger(logger)
	return dlog.WithLogger(ctx, logger)
}

// SetLogrusLevel sets the log-level of the given logger from logLevelStr,
// falling back to info on bad input.
func SetLogrusLevel(logrusLogger *logrus.Logger, logLevelStr string) {
	logLevel := logrus.InfoLevel
	if logLevelStr != "" {
		parsed, err := logrus.ParseLevel(logLevelStr)
		if err != nil {
			logrusLogger.Errorf("%v, falling back to default %q", err, logLevel)
		} else {
			logLevel = parsed
		}
	}
	logrusLogger.SetLevel(logLevel)
}

// Formatter renders one entry per line: timestamp, level, message, then the
// fields in sorted order.
type Formatter struct {
	timestampFormat string
}

func NewFormatter(timestampFormat string) *Formatter {
	return &Formatter{timestampFormat: timestampFormat}
}

// Format implements logrus.Formatter.
func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}
	fmt.Fprintf(b, "%s %-*s %s",
		entry.Time.Format(f.timestampFormat),
		len("warning"), entry.Level,
		entry.Message)

	if len(entry.Data) > 0 {
		b.WriteString(" :")
		keys := make([]string, 0, len(entry.Data))
		for key := range entry.Data {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(b, " %s=%q", key, fmt.Sprintf("%+v", entry.Data[key]))
		}
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}
