package saga

import (
	"fmt"

	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// zapLogger lets the Temporal SDK log through zap
type zapLogger struct {
	logger *zap.Logger
}

var (
	_ log.Logger     = (*zapLogger)(nil)
	_ log.WithLogger = (*zapLogger)(nil)
)

func NewLogger(logger *zap.Logger) log.Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &zapLogger{logger: logger.WithOptions(zap.AddCallerSkip(1))}
}

func (l *zapLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, fields(keyvals)...)
}

func (l *zapLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, fields(keyvals)...)
}

func (l *zapLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, fields(keyvals)...)
}

func (l *zapLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, fields(keyvals)...)
}

func (l *zapLogger) With(keyvals ...interface{}) log.Logger {
	return &zapLogger{logger: l.logger.With(fields(keyvals)...)}
}

// fields pairs up Temporal's alternating key/value list. A trailing key
// without a value is kept under "extra".
func fields(keyvals []interface{}) []zap.Field {
	out := make([]zap.Field, 0, (len(keyvals)+1)/2)
	for i := 0; i < len(keyvals); i += 2 {
		if i+1 == len(keyvals) {
			out = append(out, zap.Any("extra", keyvals[i]))
			break
		}
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		if err, ok := keyvals[i+1].(error); ok {
			out = append(out, zap.NamedError(key, err))
			continue
		}
		out = append(out, zap.Any(key, keyvals[i+1]))
	}
	return out
}
