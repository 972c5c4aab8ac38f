package activitypub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/tusker/db"
	"github.com/deemkeen/tusker/domain"
	"go.uber.org/zap"
)

const maxDeliveryAttempts = 10

// deliveryBackoff is indexed by the number of failed attempts so far.
var deliveryBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	240 * time.Minute,
	1440 * time.Minute,
}

// Deliverer sends an activity to a remote inbox on behalf of a local actor.
type Deliverer interface {
	Deliver(ctx context.Context, sender *domain.Actor, inbox string, activity []byte) error
}

// HTTPDeliverer POSTs signed activities straight to the inbox.
type HTTPDeliverer struct {
	client *http.Client
	log    *zap.Logger
}

func NewHTTPDeliverer(timeout time.Duration, log *zap.Logger) *HTTPDeliverer {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDeliverer{client: &http.Client{Timeout: timeout}, log: log}
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, sender *domain.Actor, inbox string, activity []byte) error {
	privateKey, err := ParsePrivateKey(sender.PrivateKeyPem)
	if err != nil {
		return fmt.Errorf("failed to parse private key of %s: %w", sender.Id, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(activity))
	if err != nil {
		return &domain.DeliveryError{URL: inbox, Err: fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", userAgent())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	if err := SignRequest(req, privateKey, sender.Id+"#main-key", activity); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &domain.DeliveryError{URL: inbox, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentSize))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.DeliveryError{URL: inbox, Err: fmt.Errorf("remote server returned status: %d", resp.StatusCode)}
	}

	d.log.Debug("Delivered activity", zap.String("inbox", inbox), zap.Int("status", resp.StatusCode))
	return nil
}

// QueueDeliverer persists deliveries for the DeliveryWorker.
type QueueDeliverer struct {
	db *db.DB
}

func NewQueueDeliverer(database *db.DB) *QueueDeliverer {
	return &QueueDeliverer{db: database}
}

func (q *QueueDeliverer) Deliver(ctx context.Context, sender *domain.Actor, inbox string, activity []byte) error {
	return q.db.EnqueueDelivery(ctx, &domain.DeliveryQueueItem{
		SenderId:     sender.Id,
		InboxURI:     inbox,
		ActivityJSON: string(activity),
	})
}

// DeliveryWorker drains the delivery queue with exponential backoff.
type DeliveryWorker struct {
	db        *db.DB
	deliverer Deliverer
	interval  time.Duration
	batch     int
	log       *zap.Logger
	now       func() time.Time
}

func NewDeliveryWorker(database *db.DB, deliverer Deliverer, interval time.Duration, batch int, log *zap.Logger) *DeliveryWorker {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &DeliveryWorker{
		db:        database,
		deliverer: deliverer,
		interval:  interval,
		batch:     batch,
		log:       log,
		now:       time.Now,
	}
}

// Run processes the queue on every tick until ctx is cancelled.
func (w *DeliveryWorker) Run(ctx context.Context) {
	w.log.Info("Starting ActivityPub delivery worker", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Delivery worker stopped")
			return
		case <-ticker.C:
			if _, err := w.ProcessQueue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.log.Error("Failed to process delivery queue", zap.Error(err))
			}
		}
	}
}

// ProcessQueue attempts every due delivery once and returns how many succeeded.
func (w *DeliveryWorker) ProcessQueue(ctx context.Context) (int, error) {
	items, err := w.db.ReadPendingDeliveries(ctx, w.now(), w.batch)
	if err != nil {
		return 0, fmt.Errorf("failed to read queue: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	w.log.Debug("Processing pending deliveries", zap.Int("count", len(items)))

	delivered := 0
	for _, item := range items {
		if err := w.deliver(ctx, &item); err != nil {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			w.retry(ctx, &item, err)
			continue
		}
		delivered++
		if err := w.db.DeleteDelivery(ctx, item.Id); err != nil {
			w.log.Error("Failed to remove delivered item", zap.String("inbox", item.InboxURI), zap.Error(err))
		}
	}
	return delivered, nil
}

func (w *DeliveryWorker) deliver(ctx context.Context, item *domain.DeliveryQueueItem) error {
	sender, err := w.db.ReadActorById(ctx, item.SenderId)
	if err != nil {
		return fmt.Errorf("failed to get sender %s: %w", item.SenderId, err)
	}
	return w.deliverer.Deliver(ctx, sender, item.InboxURI, []byte(item.ActivityJSON))
}

func (w *DeliveryWorker) retry(ctx context.Context, item *domain.DeliveryQueueItem, cause error) {
	item.Attempts++
	if item.Attempts >= maxDeliveryAttempts {
		w.log.Warn("Giving up on delivery",
			zap.String("inbox", item.InboxURI),
			zap.Int("attempts", item.Attempts),
			zap.Error(cause))
		if err := w.db.DeleteDelivery(ctx, item.Id); err != nil {
			w.log.Error("Failed to drop delivery", zap.Error(err))
		}
		return
	}

	backoff := NextBackoff(item.Attempts)
	item.NextRetryAt = w.now().Add(backoff)
	w.log.Info("Delivery failed, scheduling retry",
		zap.String("inbox", item.InboxURI),
		zap.Int("attempt", item.Attempts),
		zap.Duration("retry_in", backoff),
		zap.Error(cause))
	if err := w.db.UpdateDeliveryAttempt(ctx, item.Id, item.Attempts, item.NextRetryAt); err != nil {
		w.log.Error("Failed to reschedule delivery", zap.Error(err))
	}
}

// NextBackoff is the delay before the next attempt after the given number of failures.
func NextBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return deliveryBackoff[min(attempts-1, len(deliveryBackoff)-1)]
}
