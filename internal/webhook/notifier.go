// Package webhook hands committed events to the delivery collaborator.
// Delivery, retries and signing happen downstream.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/auditrail/internal/observability/metrics"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

// Notification is emitted once per committed event.
type Notification struct {
	CompanyID   snowflake.ID `json:"companyId"`
	WorkspaceID snowflake.ID `json:"workspaceId"`
	EventID     snowflake.ID `json:"eventId"`
	// KeyID names the company's signing key without carrying the secret.
	KeyID      string    `json:"keyId,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Notifier accepts notifications without blocking the caller.
type Notifier interface {
	Notify(n Notification)
}

// Sink delivers one notification to the downstream collaborator.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// Stats are cumulative handoff counters.
type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Pending   int64 `json:"pending"`
}

// Dispatcher buffers notifications and drains them into a Sink from a
// single goroutine. A full buffer drops the notification.
type Dispatcher struct {
	sink    Sink
	log     *zap.Logger
	metrics *metrics.FailoverMetrics
	secret  []byte
	queue   chan Notification

	enqueued  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func NewDispatcher(sink Sink, buffer int, secret string, log *zap.Logger, m *metrics.FailoverMetrics) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Dispatcher{
		sink:    sink,
		log:     log.Named("webhook"),
		metrics: m,
		secret:  []byte(secret),
		queue:   make(chan Notification, buffer),
	}
}

func (d *Dispatcher) Notify(n Notification) {
	if n.KeyID == "" {
		n.KeyID = d.keyID(n.CompanyID)
	}
	if n.EnqueuedAt.IsZero() {
		n.EnqueuedAt = time.Now().UTC()
	}
	select {
	case d.queue <- n:
		d.enqueued.Add(1)
	default:
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordWebhookDrop()
		}
		d.log.Warn("webhook buffer full, notification dropped",
			zap.String("company_id", n.CompanyID.String()),
			zap.String("event_id", n.EventID.String()),
		)
	}
}

// Run drains the queue until ctx is done, then flushes what is already
// buffered.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.flush()
			return
		case n := <-d.queue:
			d.deliver(ctx, n)
		}
	}
}

func (d *Dispatcher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case n := <-d.queue:
			d.deliver(ctx, n)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	if err := d.sink.Deliver(ctx, n); err != nil {
		d.failed.Add(1)
		d.log.Warn("webhook handoff failed",
			zap.String("event_id", n.EventID.String()),
			zap.Error(err),
		)
		return
	}
	d.delivered.Add(1)
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Enqueued:  d.enqueued.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
		Pending:   int64(len(d.queue)),
	}
}

// keyID derives a stable per-company key identifier from the deployment
// secret. Empty when no secret is configured.
func (d *Dispatcher) keyID(companyID snowflake.ID) string {
	if len(d.secret) == 0 {
		return ""
	}
	r := hkdf.New(sha256.New, d.secret, nil, []byte("auditrail-webhook:"+companyID.String()))
	out := make([]byte, 8)
	if _, err := io.ReadFull(r, out); err != nil {
		return ""
	}
	return "whk_" + hex.EncodeToString(out)
}
