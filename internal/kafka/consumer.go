package kafka

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/RaikyD/storefront-orders/internal/domain"
	"github.com/RaikyD/storefront-orders/internal/logger"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"
)

type ConsumerConfig struct {
	Brokers string
	Topic   string
	GroupID string
}

// CaptureRecorder is the payment reconciliation entry point.
type CaptureRecorder interface {
	RecordPayment(ctx context.Context, orderID uuid.UUID, id domain.Identity, c domain.Capture) (*domain.Order, error)
}

// CaptureMessage is a gateway notification that a capture completed.
type CaptureMessage struct {
	OrderID uuid.UUID `json:"order_id"`
	domain.Capture
}

// CaptureConsumer feeds gateway capture notifications into payment
// reconciliation under the gateway identity.
type CaptureConsumer struct {
	r       *kafka.Reader
	rec     CaptureRecorder
	backoff func() retry.Backoff
}

func NewCaptureConsumer(cfg ConsumerConfig, rec CaptureRecorder) *CaptureConsumer {
	brokers := strings.Split(cfg.Brokers, ",")

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         brokers,
		GroupID:         cfg.GroupID,
		Topic:           cfg.Topic,
		MinBytes:        1,
		MaxBytes:        10e6,
		CommitInterval:  0,
		StartOffset:     kafka.FirstOffset,
		ReadLagInterval: -1,
	})
	return &CaptureConsumer{r: r, rec: rec, backoff: DefaultBackoff}
}

// DefaultBackoff retries storage outages for about a minute before the
// message is given up on.
func DefaultBackoff() retry.Backoff {
	b := retry.NewExponential(200 * time.Millisecond)
	b = retry.WithCappedDuration(10*time.Second, b)
	return retry.WithMaxDuration(time.Minute, b)
}

// Run blocks until ctx is done.
func (c *CaptureConsumer) Run(ctx context.Context) error {
	logger.Info("kafka capture consumer starting", "topic", c.r.Config().Topic, "group", c.r.Config().GroupID)

	backoff := time.Millisecond * 300
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("kafka fetch error", "err", err)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			continue
		}
		logger.Debug("capture fetched", "partition", m.Partition, "offset", m.Offset)

		if err := HandleCaptureMessage(ctx, c.rec, m.Value, c.backoff()); err != nil {
			// only a shutdown gets here; leave the offset for the next owner
			return nil
		}
		if err := c.r.CommitMessages(ctx, m); err != nil {
			logger.Warn("kafka commit failed", "err", err)
		}
	}
}

// sleepCtx waits d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *CaptureConsumer) Close() error {
	return c.r.Close()
}

// HandleCaptureMessage processes one notification. A nil return means the
// message is finished with and may be committed; malformed messages and
// business rejections are logged and dropped. Storage outages are retried
// with b. The only error returned is ctx's.
func HandleCaptureMessage(ctx context.Context, rec CaptureRecorder, value []byte, b retry.Backoff) error {
	var msg CaptureMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		logger.Warn("capture message invalid, skip", "err", err)
		return nil
	}
	if msg.OrderID == uuid.Nil {
		logger.Warn("capture message without order_id, skip", "external_id", msg.ExternalID)
		return nil
	}

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		_, err := rec.RecordPayment(ctx, msg.OrderID, domain.GatewayIdentity, msg.Capture)
		if domain.Retryable(err) {
			logger.Warn("capture storage unavailable, will retry", "order_id", msg.OrderID, "err", err)
			return retry.RetryableError(err)
		}
		return err
	})
	switch {
	case err == nil:
		logger.Info("capture applied", "order_id", msg.OrderID, "external_id", msg.ExternalID)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		logger.Warn("capture rejected, skip", "order_id", msg.OrderID, "external_id", msg.ExternalID, "err", err)
		return nil
	}
}
