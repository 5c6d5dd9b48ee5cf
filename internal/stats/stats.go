// Package stats reports per-variant and per-intent engagement for an intent.
package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/notifylab/internal/db"
)

// ErrInvalidWindow is returned when date_from is after date_to
var ErrInvalidWindow = errors.New("date_from must not be after date_to")

// VariantStats is the engagement of one variant
type VariantStats struct {
	VariantID      string  `json:"variant_id"`
	Text           string  `json:"text"`
	Impressions    int64   `json:"impressions"`
	Opens          int64   `json:"opens"`
	OpenRate       float64 `json:"open_rate"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
}

// IntentStats sums variant engagement. Overall rates are weighted by volume.
type IntentStats struct {
	IntentID              string         `json:"intent_id"`
	TotalImpressions      int64          `json:"total_impressions"`
	TotalOpens            int64          `json:"total_opens"`
	OverallOpenRate       float64        `json:"overall_open_rate"`
	TotalConversions      int64          `json:"total_conversions"`
	OverallConversionRate float64        `json:"overall_conversion_rate"`
	Variants              []VariantStats `json:"variants"`
}

// Aggregator computes IntentStats
type Aggregator struct {
	concurrency int
	logger      *zap.Logger
}

// NewAggregator creates an aggregator that counts up to concurrency variants at once
func NewAggregator(concurrency int, logger *zap.Logger) *Aggregator {
	if concurrency < 1 {
		concurrency = 4
	}
	return &Aggregator{
		concurrency: concurrency,
		logger:      logger,
	}
}

// Window builds a time window, rejecting from > to
func Window(from, to *time.Time) (db.TimeWindow, error) {
	if from != nil && to != nil && from.After(*to) {
		return db.TimeWindow{}, ErrInvalidWindow
	}
	return db.TimeWindow{From: from, To: to}, nil
}

// Stats returns engagement for intentID over impressions created inside w.
// An unknown intent fails with db.ErrNotFound.
func (a *Aggregator) Stats(ctx context.Context, store db.Store, intentID string, w db.TimeWindow) (*IntentStats, error) {
	if w.From != nil && w.To != nil && w.From.After(*w.To) {
		return nil, ErrInvalidWindow
	}

	exp, err := store.GetExperiment(ctx, intentID)
	if err != nil {
		return nil, err
	}

	variants, err := store.ListVariants(ctx, exp.ID, "")
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}

	rows := make([]VariantStats, len(variants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	for i, v := range variants {
		g.Go(func() error {
			row, err := count(gctx, store, v, w)
			if err != nil {
				return fmt.Errorf("variant %s: %w", v.VariantID, err)
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.logger.Error("stats aggregation failed",
			zap.Error(err),
			zap.String("intent_id", intentID),
		)
		return nil, err
	}

	out := &IntentStats{IntentID: intentID, Variants: rows}
	for _, r := range rows {
		out.TotalImpressions += r.Impressions
		out.TotalOpens += r.Opens
		out.TotalConversions += r.Conversions
	}
	out.OverallOpenRate = rate(out.TotalOpens, out.TotalImpressions)
	out.OverallConversionRate = rate(out.TotalConversions, out.TotalImpressions)
	return out, nil
}

func count(ctx context.Context, store db.Store, v *db.Variant, w db.TimeWindow) (VariantStats, error) {
	impressions, err := store.CountImpressions(ctx, v.ID, w)
	if err != nil {
		return VariantStats{}, fmt.Errorf("count impressions: %w", err)
	}
	opens, err := store.CountEvents(ctx, v.ID, db.EventOpened, w)
	if err != nil {
		return VariantStats{}, fmt.Errorf("count opens: %w", err)
	}
	conversions, err := store.CountEvents(ctx, v.ID, db.EventConversion, w)
	if err != nil {
		return VariantStats{}, fmt.Errorf("count conversions: %w", err)
	}

	return VariantStats{
		VariantID:      v.VariantID,
		Text:           v.Text,
		Impressions:    impressions,
		Opens:          opens,
		OpenRate:       rate(opens, impressions),
		Conversions:    conversions,
		ConversionRate: rate(conversions, impressions),
	}, nil
}

func rate(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
