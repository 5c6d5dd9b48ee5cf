package experiment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/notifylab/internal/db"
	"github.com/lalithlochan/notifylab/internal/metrics"
)

// EventInput is one submitted user reaction. Timestamp is epoch milliseconds;
// zero or negative means now.
type EventInput struct {
	Type          string            `json:"type"`
	TrackingToken string            `json:"tracking_token"`
	Timestamp     int64             `json:"timestamp"`
	Properties    map[string]string `json:"properties,omitempty"`
}

// IngestResult reports how many of the submitted events were stored
type IngestResult struct {
	Recorded int `json:"recorded"`
	Total    int `json:"total"`
}

// EventRecorder stores outcome events against impressions
type EventRecorder struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewEventRecorder creates a recorder
func NewEventRecorder(logger *zap.Logger) *EventRecorder {
	return &EventRecorder{
		logger: logger,
		now:    time.Now,
	}
}

// Record stores every event whose token matches an impression and whose type
// is known. Other events, including ones with no token, are skipped and only
// reduce the recorded count; an error means the store failed and nothing from
// the batch was kept.
func (r *EventRecorder) Record(ctx context.Context, store db.Store, events []EventInput) (IngestResult, error) {
	result := IngestResult{Total: len(events)}
	if len(events) == 0 {
		return result, nil
	}

	err := store.WithTx(ctx, func(tx db.Store) error {
		result.Recorded = 0
		for _, in := range events {
			eventType, err := db.ParseEventType(in.Type)
			if err != nil {
				r.logger.Debug("skipping event with unknown type",
					zap.String("type", in.Type),
					zap.String("tracking_token", in.TrackingToken),
				)
				continue
			}

			if in.TrackingToken == "" {
				r.logger.Debug("skipping event without tracking token", zap.String("type", in.Type))
				continue
			}

			if _, err := tx.GetImpression(ctx, in.TrackingToken); err != nil {
				if errors.Is(err, db.ErrNotFound) {
					r.logger.Debug("skipping event for unknown tracking token",
						zap.String("tracking_token", in.TrackingToken),
					)
					continue
				}
				return fmt.Errorf("lookup impression: %w", err)
			}

			occurredAt := r.now()
			if in.Timestamp > 0 {
				occurredAt = time.UnixMilli(in.Timestamp)
			}

			ev := &db.Event{
				TrackingToken: in.TrackingToken,
				Type:          eventType,
				Properties:    in.Properties,
				OccurredAt:    occurredAt,
			}
			if err := tx.CreateEvent(ctx, ev); err != nil {
				return fmt.Errorf("create event: %w", err)
			}
			result.Recorded++
		}
		return nil
	})
	if err != nil {
		return IngestResult{Total: len(events)}, err
	}

	metrics.RecordEvents(result.Recorded, result.Total-result.Recorded)
	r.logger.Info("events recorded",
		zap.Int("recorded", result.Recorded),
		zap.Int("total", result.Total),
	)
	return result, nil
}
