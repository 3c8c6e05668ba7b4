package agent

import (
	"sync"
	"time"

	"github.com/strandlabs/sovereign/pkg/models"
)

// SpanObserver receives each span synchronously right after it is recorded.
type SpanObserver func(span *models.Span)

// spanRecorder collects the spans of one run. Spans are descriptive only;
// recording never affects control flow.
type spanRecorder struct {
	mu       sync.Mutex
	traceID  string
	spans    []models.Span
	observer SpanObserver
}

func newSpanRecorder(traceID string, observer SpanObserver) *spanRecorder {
	return &spanRecorder{traceID: traceID, observer: observer}
}

// record mints a span id, stores the span, and forwards it to the observer.
func (r *spanRecorder) record(name string, kind models.SpanKind, parentID string, start, end time.Time, attrs map[string]any, status models.SpanStatus) *models.Span {
	span := models.Span{
		ID:         models.NewSpanID(),
		TraceID:    r.traceID,
		ParentID:   parentID,
		Name:       name,
		Kind:       kind,
		Status:     status,
		StartTime:  start,
		EndTime:    end,
		Attributes: attrs,
	}

	r.mu.Lock()
	r.spans = append(r.spans, span)
	r.mu.Unlock()

	if r.observer != nil {
		r.observer(&span)
	}
	return &span
}

// finish assembles the trace with the root span inserted at position 0.
func (r *spanRecorder) finish(root *models.Span) models.Trace {
	r.mu.Lock()
	defer r.mu.Unlock()

	spans := make([]models.Span, 0, len(r.spans)+1)
	spans = append(spans, *root)
	for i := range r.spans {
		if r.spans[i].ID != root.ID {
			spans = append(spans, r.spans[i])
		}
	}
	return models.Trace{TraceID: r.traceID, Spans: spans}
}
