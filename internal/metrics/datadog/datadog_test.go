package datadog

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"calletl/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// fakeSubmitter records submitted payloads instead of doing HTTP.
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, nil
}

func newTestBackend(t *testing.T) (*Backend, *fakeSubmitter) {
	t.Helper()
	fake := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		JobName: "test",
		// Long interval so only Close() triggers submission.
		FlushEvery: time.Hour,
		now:        func() time.Time { return time.Unix(1700000000, 0) },
		submitter:  fake,
	})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	return b, fake
}

func TestFlush_EmptyBuffersSubmitNothing(t *testing.T) {
	b, fake := newTestBackend(t)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(fake.payloads) != 0 {
		t.Fatalf("expected no submissions, got %d", len(fake.payloads))
	}
}

func TestClose_SubmitsBufferedCounters(t *testing.T) {
	b, fake := newTestBackend(t)

	b.IncCounter(metrics.MetricStepTotal, 1, metrics.Labels{"step": "extract", "status": "ok"})
	b.IncCounter(metrics.MetricStepTotal, 1, metrics.Labels{"step": "extract", "status": "ok"})
	b.ObserveHistogram(metrics.MetricStepDuration, 1.5, metrics.Labels{"step": "extract"})

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(fake.payloads) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(fake.payloads))
	}

	var foundCount bool
	for _, s := range fake.payloads[0].Series {
		if s.Metric == "etl.step.total" {
			foundCount = true
			if got := *s.Points[0].Value; got != 2 {
				t.Fatalf("expected counter value 2, got %v", got)
			}
		}
	}
	if !foundCount {
		t.Fatalf("etl.step.total series missing from payload")
	}
}

func TestBuildSeries_PercentilesAndTags(t *testing.T) {
	samples := map[seriesKey][]float64{
		key(metrics.MetricHTTPRequestDur, metrics.Labels{"status": "200"}): {0.1, 0.2, 0.3, 0.4},
	}
	series := buildSeries([]string{"job:test"}, nil, samples, 100)

	// p50, p95, max, samples
	if len(series) != 4 {
		t.Fatalf("expected 4 series, got %d", len(series))
	}
	for _, s := range series {
		var hasStatus bool
		for _, tag := range s.Tags {
			if tag == "status:200" {
				hasStatus = true
			}
		}
		if !hasStatus {
			t.Fatalf("series %s missing status tag: %v", s.Metric, s.Tags)
		}
	}
}

func TestIgnoresNonPositiveObservations(t *testing.T) {
	b, fake := newTestBackend(t)
	b.IncCounter(metrics.MetricBatchesTotal, 0, nil)
	b.IncCounter(metrics.MetricBatchesTotal, -3, nil)
	b.ObserveHistogram(metrics.MetricStepDuration, -1, nil)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(fake.payloads) != 0 {
		t.Fatalf("expected no submissions, got %d", len(fake.payloads))
	}
}
