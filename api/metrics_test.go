package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordingTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return exporter
}

func attrMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

func observabilityEvent(t *testing.T, span tracetest.SpanStub) map[string]any {
	t.Helper()
	for _, ev := range span.Events {
		if ev.Name == observabilityEventName {
			return attrMap(ev.Attributes)
		}
	}
	t.Fatalf("span %q has no %s event: %#v", span.Name, observabilityEventName, span.Events)
	return nil
}

func TestRequestMetricsLog(t *testing.T) {
	tests := []struct {
		name      string
		route     string
		spanName  string
		eventName string
		status    int
		err       error
		prepare   func(m *requestMetrics)
		wantLevel log.Level
		wantSev   string
		wantCode  codes.Code
	}{
		{
			name: "task list ok", route: "/api/tasks", spanName: tasksSpanName, eventName: tasksEventName,
			status: http.StatusOK,
			prepare: func(m *requestMetrics) {
				m.ObserveAuth(2 * time.Millisecond)
				m.ObserveStore(15 * time.Millisecond)
				m.SetCount("tasks_returned", 3)
				m.SetFlag("cached", true)
			},
			wantLevel: log.InfoLevel, wantSev: "INFO", wantCode: codes.Ok,
		},
		{
			name: "update rejected", route: "/api/tasks/:id", spanName: updateSpanName, eventName: updateEventName,
			status:    http.StatusBadRequest,
			prepare:   func(m *requestMetrics) { m.SetErrorStage("decode") },
			wantLevel: log.WarnLevel, wantSev: "WARN", wantCode: codes.Ok,
		},
		{
			name: "update conflict", route: "/api/tasks/:id", spanName: updateSpanName, eventName: updateEventName,
			status: http.StatusConflict, err: errors.New("version conflict"),
			prepare:   func(m *requestMetrics) { m.SetErrorStage("update") },
			wantLevel: log.ErrorLevel, wantSev: "ERROR", wantCode: codes.Error,
		},
		{
			name: "list storage failure", route: "/api/tasks", spanName: tasksSpanName, eventName: tasksEventName,
			status:    http.StatusInternalServerError,
			prepare:   func(m *requestMetrics) { m.SetErrorStage("storage") },
			wantLevel: log.ErrorLevel, wantSev: "ERROR", wantCode: codes.Error,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter := recordingTracer(t)
			logger, hook := test.NewNullLogger()

			m, _ := newRequestMetrics(context.Background(), logger, tt.route, tt.spanName, tt.eventName)
			tt.prepare(m)
			m.Log(tt.status, tt.err)

			entry := hook.LastEntry()
			if entry == nil {
				t.Fatalf("expected a log entry")
			}
			if entry.Message != observabilityEventName || entry.Level != tt.wantLevel {
				t.Fatalf("unexpected entry %q at %v", entry.Message, entry.Level)
			}
			if entry.Data["event.name"] != tt.eventName || entry.Data["severity_text"] != tt.wantSev {
				t.Fatalf("unexpected fields %#v", entry.Data)
			}
			attrs, ok := entry.Data["attributes"].(map[string]any)
			if !ok || attrs["http.route"] != tt.route {
				t.Fatalf("unexpected attributes %#v", entry.Data["attributes"])
			}
			if traceID, _ := entry.Data["trace_id"].(string); traceID == "" {
				t.Fatalf("expected trace id on log entry")
			}

			spans := exporter.GetSpans()
			if len(spans) != 1 || spans[0].Name != tt.spanName {
				t.Fatalf("unexpected spans %#v", spans)
			}
			if spans[0].Status.Code != tt.wantCode {
				t.Fatalf("span status = %v, want %v", spans[0].Status.Code, tt.wantCode)
			}
			if got := attrMap(spans[0].Attributes)["http.status_code"]; got != int64(tt.status) {
				t.Fatalf("unexpected status attribute %#v", got)
			}
			ev := observabilityEvent(t, spans[0])
			if ev["severity_text"] != tt.wantSev || ev["event.domain"] != requestEventDomain {
				t.Fatalf("unexpected span event %#v", ev)
			}
			if tt.err != nil && ev["error.message"] != tt.err.Error() {
				t.Fatalf("expected error message on span event, got %#v", ev["error.message"])
			}
		})
	}
}

func TestRequestMetricsAttributes(t *testing.T) {
	logger, _ := test.NewNullLogger()
	recordingTracer(t)

	m, _ := newRequestMetrics(context.Background(), logger, "/api/tasks", tasksSpanName, tasksEventName)
	m.start = m.start.Add(-40 * time.Millisecond)
	m.ObserveStore(15 * time.Millisecond)
	m.ObserveEncode(0)
	m.SetCount("tasks_returned", -2)
	attrs := m.attributes()

	if attrs[attrPrefix+"store_ms"] != 15.0 {
		t.Fatalf("unexpected store duration %#v", attrs[attrPrefix+"store_ms"])
	}
	if _, ok := attrs[attrPrefix+"encode_ms"]; ok {
		t.Fatalf("zero durations should be omitted")
	}
	if attrs[attrPrefix+"tasks_returned"] != 0 {
		t.Fatalf("negative counts should clamp to zero, got %#v", attrs[attrPrefix+"tasks_returned"])
	}
	if total, _ := attrs[attrPrefix+"total_ms"].(float64); total < 40 {
		t.Fatalf("unexpected total %#v", attrs[attrPrefix+"total_ms"])
	}
}

func TestPatchTaskEmitsUpdateSpan(t *testing.T) {
	exporter := recordingTracer(t)
	s := newTestServer(sampleTask())

	rec := s.do(http.MethodPatch, "/api/tasks/t1", memberToken, `{"title":"Renamed","difficulty":"Hard"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != updateSpanName {
		t.Fatalf("unexpected spans %#v", spans)
	}
	attrs := attrMap(spans[0].Attributes)
	if attrs[attrPrefix+"entries_added"] != int64(2) {
		t.Fatalf("unexpected entries_added %#v", attrs[attrPrefix+"entries_added"])
	}
}

func TestSeverityForStatus(t *testing.T) {
	tests := []struct {
		status     int
		err        error
		wantText   string
		wantNumber int
	}{
		{http.StatusOK, nil, "INFO", 9},
		{http.StatusNoContent, nil, "INFO", 9},
		{http.StatusNotFound, nil, "WARN", 13},
		{http.StatusBadGateway, nil, "ERROR", 17},
		{0, errors.New("boom"), "ERROR", 17},
	}
	for _, tt := range tests {
		text, number := severityForStatus(tt.status, tt.err)
		if text != tt.wantText || number != tt.wantNumber {
			t.Fatalf("severityForStatus(%d, %v) = %s/%d, want %s/%d", tt.status, tt.err, text, number, tt.wantText, tt.wantNumber)
		}
		if logLevelForSeverity(number).String() == "" {
			t.Fatalf("no log level for %d", number)
		}
	}
}
