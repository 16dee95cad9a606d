package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

const metricPrefix = "guard."

// Observer pairs a named logger with a metrics recorder so every gate emits
// one log line plus a counter and a duration histogram per decision.
type Observer struct {
	logger  Logger
	metrics MetricsRecorder
}

func NewObserver(name string, provider LoggerProvider, logger Logger, metrics MetricsRecorder) *Observer {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "guard"
	}
	provider, logger = glog.Resolve(name, provider, logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger(name); named != nil {
			logger = glog.Ensure(named)
		}
	}
	if metrics == nil {
		metrics = NopMetricsRecorder{}
	}
	return &Observer{logger: logger, metrics: metrics}
}

func (o *Observer) Logger() Logger {
	if o == nil || o.logger == nil {
		return glog.Nop()
	}
	return o.logger
}

// Observe records the outcome of one operation. The outcome tag defaults to
// success or failure and may be overridden with an "outcome" field.
func (o *Observer) Observe(
	ctx context.Context,
	startedAt time.Time,
	operation string,
	err error,
	fields map[string]any,
) {
	if o == nil {
		return
	}
	operation = normalizeOperation(operation)
	if operation == "" {
		operation = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	contextFields := cloneFields(fields)
	if value := strings.TrimSpace(fmt.Sprint(contextFields["outcome"])); value != "" && value != "<nil>" {
		outcome = value
	}
	elapsed := time.Since(startedAt)
	contextFields["event_type"] = operation
	contextFields["outcome"] = outcome
	contextFields["duration_ms"] = elapsed.Milliseconds()
	if err != nil {
		contextFields["error"] = err.Error()
	}

	tags := map[string]string{
		"operation": operation,
		"outcome":   outcome,
	}
	for _, key := range []string{"source", "endpoint", "kind", "stage"} {
		if value := strings.TrimSpace(fmt.Sprint(contextFields[key])); value != "" && value != "<nil>" {
			tags[key] = value
		}
	}

	o.metrics.IncCounter(ctx, metricPrefix+operation+".total", 1, cloneTags(tags))
	o.metrics.ObserveHistogram(ctx, metricPrefix+operation+".duration_ms", float64(elapsed.Milliseconds()), cloneTags(tags))

	switch {
	case err != nil && outcome == "failure":
		o.Log(ctx, "error", operation+" failed", contextFields)
	case err != nil:
		o.Log(ctx, "warn", operation+" rejected", contextFields)
	default:
		o.Log(ctx, "info", operation+" "+outcome, contextFields)
	}
}

func (o *Observer) Count(ctx context.Context, name string, tags map[string]string) {
	if o == nil || o.metrics == nil {
		return
	}
	o.metrics.IncCounter(ctx, metricPrefix+normalizeOperation(name), 1, cloneTags(tags))
}

func (o *Observer) Log(ctx context.Context, level string, message string, fields map[string]any) {
	if o == nil || o.logger == nil {
		return
	}
	logger := o.logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(cloneFields(fields))
	}
	args := flattenFields(fields)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		logger.Error(message, args...)
	case "warn":
		logger.Warn(message, args...)
	case "debug":
		logger.Debug(message, args...)
	default:
		logger.Info(message, args...)
	}
}

func cloneFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}

func flattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}

func normalizeOperation(operation string) string {
	operation = strings.TrimSpace(strings.ToLower(operation))
	operation = strings.ReplaceAll(operation, " ", "_")
	operation = strings.ReplaceAll(operation, "-", "_")
	return operation
}
