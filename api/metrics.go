package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName             = "task-tracker/api"
	requestEventDomain     = "task-tracker.api"
	observabilityEventName = "observability.event"
	attrPrefix             = "tracker.request."

	tasksEventName  = "tasks.list"
	tasksSpanName   = "GET /api/tasks"
	updateEventName = "tasks.update"
	updateSpanName  = "PATCH /api/tasks/:id"
)

// requestMetrics records stage timings of one request and emits them as a
// structured log entry mirrored onto an OpenTelemetry span.
type requestMetrics struct {
	logger    *log.Logger
	span      trace.Span
	route     string
	eventName string
	start     time.Time

	authDuration   time.Duration
	storeDuration  time.Duration
	encodeDuration time.Duration
	counts         map[string]int
	flags          map[string]bool
	errorStage     string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, route, spanName, eventName string) (*requestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindServer))
	return &requestMetrics{
		logger:    logger,
		span:      span,
		route:     route,
		eventName: eventName,
		start:     time.Now(),
		counts:    map[string]int{},
		flags:     map[string]bool{},
	}, spanCtx
}

func (m *requestMetrics) ObserveAuth(duration time.Duration) {
	if duration > 0 {
		m.authDuration = duration
	}
}

func (m *requestMetrics) ObserveStore(duration time.Duration) {
	if duration > 0 {
		m.storeDuration = duration
	}
}

func (m *requestMetrics) ObserveEncode(duration time.Duration) {
	if duration > 0 {
		m.encodeDuration = duration
	}
}

func (m *requestMetrics) SetCount(name string, count int) {
	if count < 0 {
		count = 0
	}
	m.counts[name] = count
}

func (m *requestMetrics) SetFlag(name string, v bool) {
	m.flags[name] = v
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

func (m *requestMetrics) attributes() map[string]any {
	attrs := map[string]any{"http.route": m.route}
	attrs[attrPrefix+"total_ms"] = durationToMillis(time.Since(m.start))
	if m.authDuration > 0 {
		attrs[attrPrefix+"auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.storeDuration > 0 {
		attrs[attrPrefix+"store_ms"] = durationToMillis(m.storeDuration)
	}
	if m.encodeDuration > 0 {
		attrs[attrPrefix+"encode_ms"] = durationToMillis(m.encodeDuration)
	}
	for k, v := range m.counts {
		attrs[attrPrefix+k] = v
	}
	for k, v := range m.flags {
		attrs[attrPrefix+k] = v
	}
	if m.errorStage != "" {
		attrs[attrPrefix+"error_stage"] = m.errorStage
	}
	return attrs
}

// Log emits the observability event and ends the span.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	attrs := m.attributes()
	severityText, severityNumber := severityForStatus(status, err)

	spanAttrs := toAttributes(attrs)
	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", m.eventName),
		attribute.String("event.domain", requestEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	}, spanAttrs...)
	if err != nil {
		eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
	}

	if m.span != nil {
		m.span.SetAttributes(spanAttrs...)
		m.span.SetAttributes(attribute.Int("http.status_code", status))
		m.span.AddEvent(observabilityEventName, trace.WithAttributes(eventAttrs...))
		switch {
		case err != nil:
			m.span.RecordError(err)
			m.span.SetStatus(codes.Error, err.Error())
		case status >= http.StatusInternalServerError:
			m.span.SetStatus(codes.Error, http.StatusText(status))
		default:
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      m.eventName,
		"event.domain":    requestEventDomain,
		"attributes":      attrs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"http.status":     status,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Log(logLevelForSeverity(severityNumber), observabilityEventName)
}

// severityForStatus maps an HTTP outcome onto OpenTelemetry log severities.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func logLevelForSeverity(number int) log.Level {
	switch {
	case number >= 17:
		return log.ErrorLevel
	case number >= 13:
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func toAttributes(values map[string]any) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case string:
			out = append(out, attribute.String(k, val))
		case int:
			out = append(out, attribute.Int(k, val))
		case float64:
			out = append(out, attribute.Float64(k, val))
		case bool:
			out = append(out, attribute.Bool(k, val))
		}
	}
	return out
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
