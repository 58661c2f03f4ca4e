// Package alerts delivers signed webhook notifications about forest
// integrity events to operator-configured endpoints.
package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/AuditForest/internal/forest"
	"go.uber.org/zap"
)

// Event types.
const (
	EventIntegrityFailed = "forest.integrity_failed"
)

// SignatureHeader carries "sha256=<hex HMAC of the body>" when the endpoint
// has a secret.
const SignatureHeader = "X-AuditForest-Signature"

// Endpoint is one alert receiver.
type Endpoint struct {
	URL    string `mapstructure:"url"`
	Secret string `mapstructure:"secret"`
}

// Event is the JSON body POSTed to every endpoint.
type Event struct {
	ID        uuid.UUID         `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Notifier fans events out to its endpoints with retries.
type Notifier struct {
	endpoints  []Endpoint
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewNotifier creates a Notifier. Endpoints with an empty URL are ignored.
func NewNotifier(endpoints []Endpoint, logger *zap.Logger) *Notifier {
	var eps []Endpoint
	for _, ep := range endpoints {
		if strings.TrimSpace(ep.URL) != "" {
			eps = append(eps, ep)
		}
	}
	return &Notifier{
		endpoints:  eps,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Retry with backoff: 1s, 5s.
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second},
		logger: logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (n *Notifier) SetMetricsRecorder(fn MetricsRecorder) {
	n.onMetrics = fn
}

// Enabled reports whether any endpoint is configured.
func (n *Notifier) Enabled() bool {
	return len(n.endpoints) > 0
}

// Dispatch sends an event to every endpoint in the background.
func (n *Notifier) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	event := Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("alerts: marshal event", zap.Error(err))
		return
	}

	// Deliveries outlive the sweep that triggered them.
	ctx = context.WithoutCancel(ctx)
	for _, ep := range n.endpoints {
		n.wg.Add(1)
		go func(ep Endpoint) {
			defer n.wg.Done()
			n.deliver(ctx, ep, event.Type, body)
		}(ep)
	}
}

// Wait blocks until all in-flight deliveries have finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// IntegrityFailed reports a failed sweep. It has the signature of
// integrity.FailureFunc.
func (n *Notifier) IntegrityFailed(ctx context.Context, res forest.VerificationResult) {
	failed := make([]string, len(res.FailedPartitions))
	for i, pid := range res.FailedPartitions {
		failed[i] = string(pid)
	}
	n.Dispatch(ctx, EventIntegrityFailed, map[string]string{
		"failed_partitions": strings.Join(failed, ","),
		"failed_count":      strconv.Itoa(res.FailedCount()),
		"total_partitions":  strconv.Itoa(res.TotalPartitions),
		"success_rate":      strconv.FormatFloat(res.SuccessRate(), 'f', 4, 64),
	})
}

func (n *Notifier) deliver(ctx context.Context, ep Endpoint, eventType string, body []byte) {
	var signature string
	if ep.Secret != "" {
		signature = Sign(body, ep.Secret)
	}

	for attempt, delay := range n.delays {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		err := n.post(ctx, ep.URL, body, signature)
		if n.onMetrics != nil {
			n.onMetrics(err == nil)
		}
		if err == nil {
			return
		}
		n.logger.Warn("alerts: delivery failed",
			zap.String("url", ep.URL),
			zap.String("event", eventType),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	n.logger.Error("alerts: giving up", zap.String("url", ep.URL), zap.String("event", eventType))
}

func (n *Notifier) post(ctx context.Context, url string, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the HMAC-SHA256 signature receivers check against
// SignatureHeader.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
