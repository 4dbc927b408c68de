package activitypub

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/metrics"
	"github.com/deemkeen/mammut/util"
	"go.uber.org/zap"
)

// minutes to wait after the n-th failed attempt
var backoffMinutes = []int{1, 5, 15, 60, 240, 1440}

const maxDeliveryAttempts = 10

type DeliveryConfig struct {
	Interval  time.Duration
	BatchSize int
}

// DeliveryWorker drains the delivery queue on a ticker.
type DeliveryWorker struct {
	db      *db.DB
	outbox  *Outbox
	conf    DeliveryConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewDeliveryWorker(database *db.DB, outbox *Outbox, conf DeliveryConfig, m *metrics.Metrics, logger *zap.Logger) *DeliveryWorker {
	if conf.Interval == 0 {
		conf.Interval = 10 * time.Second
	}
	if conf.BatchSize == 0 {
		conf.BatchSize = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeliveryWorker{db: database, outbox: outbox, conf: conf, metrics: m, logger: logger}
}

// Start runs the worker until ctx is done.
func (w *DeliveryWorker) Start(ctx context.Context) {
	w.logger.Info("Starting ActivityPub delivery worker", zap.Duration("interval", w.conf.Interval))

	ticker := time.NewTicker(w.conf.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.ProcessQueue(ctx); err != nil {
					w.logger.Error("DeliveryWorker: failed to process queue", zap.Error(err))
				}
			}
		}
	}()
}

// signer is a sender's parsed key, cached for one batch.
type signer struct {
	key   *rsa.PrivateKey
	keyId string
}

// ProcessQueue attempts every due delivery once and returns how many
// succeeded.
func (w *DeliveryWorker) ProcessQueue(ctx context.Context) (int, error) {
	items, err := w.db.ReadPendingDeliveries(ctx, w.conf.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read queue: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}
	w.logger.Debug("DeliveryWorker: processing pending deliveries", zap.Int("count", len(items)))

	signers := make(map[int64]*signer)
	delivered := 0
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		err := w.deliver(ctx, item, signers)
		if err == nil {
			delivered++
			w.metrics.ObserveDelivery("delivered")
			if err := w.db.DeleteDelivery(ctx, item.Id); err != nil {
				w.logger.Warn("DeliveryWorker: failed to dequeue", zap.String("inbox", item.InboxURI), zap.Error(err))
			}
			continue
		}
		w.retry(ctx, item, err)
	}

	if depth, err := w.db.CountDeliveries(ctx); err == nil {
		w.metrics.SetQueueDepth(depth)
	}
	return delivered, nil
}

func (w *DeliveryWorker) deliver(ctx context.Context, item *domain.DeliveryQueueItem, signers map[int64]*signer) error {
	s, ok := signers[item.AccountId]
	if !ok {
		acc, err := w.db.ReadAccountById(ctx, item.AccountId)
		if err != nil {
			return fmt.Errorf("failed to read sender: %w", err)
		}
		key, err := util.ParsePrivateKey(acc.PrivateKey)
		if err != nil {
			return fmt.Errorf("failed to parse private key: %w", err)
		}
		s = &signer{key: key, keyId: acc.KeyId()}
		signers[item.AccountId] = s
	}
	return w.outbox.Deliver(ctx, s.key, s.keyId, item.InboxURI, []byte(item.ActivityJSON))
}

func (w *DeliveryWorker) retry(ctx context.Context, item *domain.DeliveryQueueItem, cause error) {
	item.Attempts++
	if item.Attempts >= maxDeliveryAttempts {
		w.logger.Warn("DeliveryWorker: giving up on delivery",
			zap.String("inbox", item.InboxURI), zap.Int("attempts", item.Attempts), zap.Error(cause))
		w.metrics.ObserveDelivery("dropped")
		if err := w.db.DeleteDelivery(ctx, item.Id); err != nil {
			w.logger.Warn("DeliveryWorker: failed to dequeue", zap.String("inbox", item.InboxURI), zap.Error(err))
		}
		return
	}

	wait := backoffMinutes[min(item.Attempts-1, len(backoffMinutes)-1)]
	item.NextRetryAt = time.Now().UTC().Add(time.Duration(wait) * time.Minute)
	w.logger.Info("DeliveryWorker: delivery failed",
		zap.String("inbox", item.InboxURI), zap.Int("attempt", item.Attempts), zap.Int("retry_in_minutes", wait), zap.Error(cause))
	w.metrics.ObserveDelivery("failed")
	if err := w.db.UpdateDeliveryAttempt(ctx, item.Id, item.Attempts, item.NextRetryAt); err != nil {
		w.logger.Warn("DeliveryWorker: failed to reschedule", zap.String("inbox", item.InboxURI), zap.Error(err))
	}
}
