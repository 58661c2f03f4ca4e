package alerts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmerrifield20/AuditForest/internal/forest"
	"go.uber.org/zap"
)

func fastNotifier(eps []Endpoint) *Notifier {
	n := NewNotifier(eps, zap.NewNop())
	n.delays = []time.Duration{0, time.Millisecond, time.Millisecond}
	return n
}

func TestIntegrityFailed_signedDelivery(t *testing.T) {
	var (
		mu   sync.Mutex
		got  Event
		sig  string
		body []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get(SignatureHeader)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := fastNotifier([]Endpoint{{URL: srv.URL, Secret: "s3cret"}, {URL: "  "}})
	if !n.Enabled() || len(n.endpoints) != 1 {
		t.Fatalf("endpoints = %+v", n.endpoints)
	}

	n.IntegrityFailed(context.Background(), forest.VerificationResult{
		TotalPartitions:    4,
		VerifiedPartitions: 2,
		FailedPartitions:   []forest.PartitionID{"statute-A", "statute-B"},
	})
	n.Wait()

	mu.Lock()
	defer mu.Unlock()
	if got.Type != EventIntegrityFailed {
		t.Errorf("Type = %q", got.Type)
	}
	if got.Payload["failed_partitions"] != "statute-A,statute-B" || got.Payload["failed_count"] != "2" {
		t.Errorf("Payload = %v", got.Payload)
	}
	if got.Payload["success_rate"] != "0.5000" {
		t.Errorf("success_rate = %q", got.Payload["success_rate"])
	}
	if sig != Sign(body, "s3cret") {
		t.Errorf("signature %q does not match body", sig)
	}
}

func TestDispatch_retriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(SignatureHeader) != "" {
			t.Error("unsigned endpoint received a signature")
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var outcomes []bool
	var mu sync.Mutex
	n := fastNotifier([]Endpoint{{URL: srv.URL}})
	n.SetMetricsRecorder(func(ok bool) {
		mu.Lock()
		outcomes = append(outcomes, ok)
		mu.Unlock()
	})

	n.Dispatch(context.Background(), EventIntegrityFailed, map[string]string{"k": "v"})
	n.Wait()

	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if len(outcomes) != 3 || outcomes[0] || outcomes[1] || !outcomes[2] {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestDispatch_givesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := fastNotifier([]Endpoint{{URL: srv.URL}})
	n.Dispatch(context.Background(), EventIntegrityFailed, nil)
	n.Wait()

	if calls.Load() != int32(len(n.delays)) {
		t.Errorf("calls = %d, want %d", calls.Load(), len(n.delays))
	}
}

func TestNotifier_noEndpoints(t *testing.T) {
	n := NewNotifier(nil, zap.NewNop())
	if n.Enabled() {
		t.Error("Enabled with no endpoints")
	}
	n.IntegrityFailed(context.Background(), forest.VerificationResult{})
	n.Wait()
}
