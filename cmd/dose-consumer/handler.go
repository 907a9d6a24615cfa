package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bhumireddy99/MediTrack/internal/domain/record"
	"github.com/bhumireddy99/MediTrack/internal/domain/reminder"
	"github.com/bhumireddy99/MediTrack/internal/infrastructure/redpanda"
	"github.com/bhumireddy99/MediTrack/internal/observability/metrics"
	"github.com/bhumireddy99/MediTrack/pkg/idempotency"
)

const handlerName = "mark_taken"

type doseMarker interface {
	MarkTaken(ctx context.Context, ref record.DoseRef) error
}

type inboxProcessor interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

type messagePublisher interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// commandHandler applies mark-taken commands exactly once. Transient
// failures are retried in place; anything that cannot succeed goes to the
// dead letter topic so the partition keeps moving.
type commandHandler struct {
	marker      doseMarker
	inbox       inboxProcessor
	deadLetters messagePublisher
	metrics     *metrics.Metrics
	logger      *zap.Logger

	maxAttempts int
	backoff     time.Duration
}

type markResult struct {
	MarkedAt time.Time `json:"marked_at"`
}

// rejectedCommand is published to the dead letter topic
type rejectedCommand struct {
	OriginalTopic string    `json:"original_topic"`
	Partition     int32     `json:"partition"`
	Offset        int64     `json:"offset"`
	Payload       string    `json:"payload"`
	Error         string    `json:"error"`
	RejectedAt    time.Time `json:"rejected_at"`
}

func (h *commandHandler) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	if h.metrics != nil {
		h.metrics.KafkaMessagesConsumed.Inc()
	}

	var ref record.DoseRef
	if err := json.Unmarshal(msg.Value, &ref); err != nil {
		return h.reject(ctx, msg, fmt.Errorf("malformed command: %w", err))
	}
	if ref.PatientID == "" || ref.PrescriptionID == "" {
		return h.reject(ctx, msg, errors.New("command has no patient or prescription id"))
	}

	key := idempotency.DoseKey(ref.PatientID, ref.PrescriptionID, ref.MedicineIndex, ref.DayIndex, ref.TimeIndex)
	mark := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		if err := h.marker.MarkTaken(ctx, ref); err != nil {
			if reminder.IsRejection(err) {
				return nil, idempotency.Permanent(err)
			}
			return nil, err
		}
		return json.Marshal(markResult{MarkedAt: time.Now().UTC()})
	}

	var lastErr error
	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		res, err := h.inbox.Process(ctx, key, handlerName, msg.Value, mark)
		if err == nil {
			h.logger.Debug("dose command applied",
				zap.String("dose", ref.String()),
				zap.Bool("duplicate", !res.IsNew && !res.WasRecovered))
			return nil
		}
		if errors.Is(err, idempotency.ErrDuplicateMessage) {
			// a concurrent delivery applied it first
			return nil
		}
		if reminder.IsRejection(err) || errors.Is(err, idempotency.ErrPreviouslyFailed) {
			return h.reject(ctx, msg, err)
		}

		lastErr = err
		h.logger.Warn("dose command failed, retrying",
			zap.String("dose", ref.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.backoff * time.Duration(attempt)):
		}
	}
	return h.reject(ctx, msg, fmt.Errorf("gave up after %d attempts: %w", h.maxAttempts, lastErr))
}

func (h *commandHandler) reject(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	payload, err := json.Marshal(rejectedCommand{
		OriginalTopic: msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Payload:       string(msg.Value),
		Error:         cause.Error(),
		RejectedAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := h.deadLetters.ProduceMessage(ctx, redpanda.TopicDeadLetter, string(msg.Key), payload); err != nil {
		// unmarked, so the command is redelivered after a restart
		return fmt.Errorf("failed to dead-letter command: %w", err)
	}
	h.logger.Warn("dose command dead-lettered",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))
	return nil
}
