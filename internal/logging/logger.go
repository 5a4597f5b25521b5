package logging

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

type ContextLogger struct {
	*logrus.Logger
}

func NewLogger() *ContextLogger {
	return NewLoggerWithOutput(os.Stdout, logrus.InfoLevel)
}

// NewLoggerFromLevel parses level names such as "debug" or "warn". An unknown
// name falls back to info and is reported through the returned error.
func NewLoggerFromLevel(level string) (*ContextLogger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return NewLoggerWithOutput(os.Stdout, logrus.InfoLevel), err
	}
	return NewLoggerWithOutput(os.Stdout, lvl), nil
}

func NewLoggerWithOutput(out io.Writer, level logrus.Level) *ContextLogger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	logger.SetOutput(out)
	logger.SetLevel(level)

	return &ContextLogger{Logger: logger}
}

// NewDiscardLogger is for tests.
func NewDiscardLogger() *ContextLogger {
	return NewLoggerWithOutput(io.Discard, logrus.PanicLevel)
}

func (l *ContextLogger) WithTracing(ctx context.Context) *logrus.Entry {
	entry := l.WithContext(ctx)

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		spanCtx := span.SpanContext()
		entry = entry.WithFields(logrus.Fields{
			"trace_id": spanCtx.TraceID().String(),
			"span_id":  spanCtx.SpanID().String(),
		})
	}

	return entry
}

func (l *ContextLogger) InfoWithTracing(ctx context.Context, msg string, fields logrus.Fields) {
	entry := l.WithTracing(ctx)
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Info(msg)
}

func (l *ContextLogger) ErrorWithTracing(ctx context.Context, msg string, err error, fields logrus.Fields) {
	entry := l.WithTracing(ctx)
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(msg)
}

func (l *ContextLogger) WarnWithTracing(ctx context.Context, msg string, fields logrus.Fields) {
	entry := l.WithTracing(ctx)
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Warn(msg)
}

func (l *ContextLogger) DebugWithTracing(ctx context.Context, msg string, fields logrus.Fields) {
	entry := l.WithTracing(ctx)
	if fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Debug(msg)
}
