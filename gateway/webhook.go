package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"escrowd/observability/metrics"
)

// Endpoint is a configured webhook destination. An empty Events list
// subscribes to every event type.
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

func (e *Endpoint) wants(eventType string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, want := range e.Events {
		if want == eventType {
			return true
		}
	}
	return false
}

const (
	headerWebhookSignature = "X-Escrow-Signature"
	headerWebhookEvent     = "X-Escrow-Event"
	headerWebhookDelivery  = "X-Escrow-Delivery"

	maxDeliveryAttempts = 5
	retryBackoffBase    = 2 * time.Second
)

// webhookPayload is the JSON body POSTed to each destination.
type webhookPayload struct {
	DeliveryID string            `json:"deliveryId"`
	Sequence   int64             `json:"sequence"`
	Type       string            `json:"type"`
	EscrowID   string            `json:"escrowId,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Dispatcher drains the webhook queue: fresh events fan out to every
// subscribed endpoint, addressed tasks are delivered with HMAC-signed bodies
// and retried with exponential backoff.
type Dispatcher struct {
	queue     *WebhookQueue
	endpoints []Endpoint
	client    *http.Client
	store     *SQLiteStore
	logger    *slog.Logger
	metrics   *metrics.EscrowMetrics
	nowFn     func() time.Time
}

func NewDispatcher(queue *WebhookQueue, endpoints []Endpoint, store *SQLiteStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:     queue,
		endpoints: endpoints,
		client:    &http.Client{Timeout: 10 * time.Second},
		store:     store,
		logger:    logger,
		metrics:   metrics.Escrow(),
		nowFn:     time.Now,
	}
}

// Run drains the queue until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		task, ok := d.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Endpoint == nil {
			d.fanOut(task.Event)
			continue
		}
		d.deliver(ctx, task)
	}
}

func (d *Dispatcher) fanOut(evt WebhookEvent) {
	for i := range d.endpoints {
		endpoint := &d.endpoints[i]
		if !endpoint.wants(evt.Type) {
			continue
		}
		d.queue.EnqueueTask(WebhookTask{Event: evt, Endpoint: endpoint, Attempt: 1})
	}
}

func (d *Dispatcher) deliver(ctx context.Context, task WebhookTask) {
	deliveryID := uuid.NewString()
	payload := webhookPayload{
		DeliveryID: deliveryID,
		Sequence:   task.Event.Sequence,
		Type:       task.Event.Type,
		EscrowID:   task.Event.EscrowID,
		Attributes: task.Event.Attributes,
		CreatedAt:  task.Event.CreatedAt,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("encode webhook payload", "type", task.Event.Type, "err", err)
		return
	}

	err = d.post(ctx, task.Endpoint, task.Event.Type, deliveryID, body)
	outcome := "delivered"
	errText := ""
	if err != nil {
		outcome = "failed"
		errText = err.Error()
	}
	d.metrics.ObserveWebhookDelivery(task.Endpoint.URL, outcome)
	d.recordAttempt(ctx, WebhookAttempt{
		DeliveryID:  deliveryID,
		Destination: task.Endpoint.URL,
		EventType:   task.Event.Type,
		Attempt:     task.Attempt,
		Status:      outcome,
		Error:       errText,
		CreatedAt:   d.nowFn().UTC(),
	})
	if err == nil {
		return
	}

	if task.Attempt >= maxDeliveryAttempts {
		d.metrics.ObserveWebhookDelivery(task.Endpoint.URL, "dropped")
		d.logger.Error("webhook delivery abandoned",
			"destination", task.Endpoint.URL,
			"type", task.Event.Type,
			"attempts", task.Attempt,
			"err", err,
		)
		return
	}
	backoff := retryBackoffBase << (task.Attempt - 1)
	d.logger.Warn("webhook delivery failed, retrying",
		"destination", task.Endpoint.URL,
		"type", task.Event.Type,
		"attempt", task.Attempt,
		"backoff", backoff,
		"err", err,
	)
	d.queue.EnqueueTask(WebhookTask{
		Event:     task.Event,
		Endpoint:  task.Endpoint,
		Attempt:   task.Attempt + 1,
		NotBefore: d.nowFn().Add(backoff),
	})
}

func (d *Dispatcher) post(ctx context.Context, endpoint *Endpoint, eventType, deliveryID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerWebhookEvent, eventType)
	req.Header.Set(headerWebhookDelivery, deliveryID)
	req.Header.Set(headerWebhookSignature, SignWebhookBody(endpoint.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("destination responded %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) recordAttempt(ctx context.Context, attempt WebhookAttempt) {
	if d.store == nil {
		return
	}
	if err := d.store.InsertWebhookAttempt(ctx, attempt); err != nil {
		d.logger.Warn("record webhook attempt", "err", err)
	}
}

// SignWebhookBody computes the hex HMAC-SHA256 receivers use to verify payloads.
func SignWebhookBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
