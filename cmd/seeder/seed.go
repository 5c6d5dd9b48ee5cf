package main

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/lalithlochan/notifylab/internal/db"
	"github.com/lalithlochan/notifylab/internal/experiment"
)

type demoVariant struct {
	Text           string
	OpenRate       float64
	ConversionRate float64
}

type demoIntent struct {
	IntentID    string
	BaseMessage string
	Locale      string
	Variants    []demoVariant
}

var demoIntents = []demoIntent{
	{
		IntentID:    "cart_abandon",
		BaseMessage: "You left something in your cart",
		Locale:      "en-US",
		Variants: []demoVariant{
			{"You left something in your cart", 0.12, 0.02},
			{"Your cart misses you! Complete checkout before it's gone", 0.21, 0.05},
			{"Still thinking it over? Your items are waiting", 0.16, 0.03},
		},
	},
	{
		IntentID:    "price_drop",
		BaseMessage: "An item on your wishlist just got cheaper",
		Locale:      "en-US",
		Variants: []demoVariant{
			{"An item on your wishlist just got cheaper", 0.18, 0.04},
			{"Price drop alert: save on something you wanted", 0.25, 0.06},
		},
	},
}

type seedResult struct {
	Experiments int
	Variants    int
	Impressions int
	Events      int
}

// seed writes the demo intents. Each intent is one transaction.
func seed(ctx context.Context, store db.Store, impressionsPerVariant int, rng *rand.Rand) (seedResult, error) {
	var total seedResult

	for _, intent := range demoIntents {
		var res seedResult
		err := store.WithTx(ctx, func(tx db.Store) error {
			res = seedResult{}
			if _, _, err := tx.GetOrCreateExperiment(ctx, &db.Experiment{
				IntentID:    intent.IntentID,
				BaseMessage: intent.BaseMessage,
				Locale:      intent.Locale,
			}); err != nil {
				return fmt.Errorf("create experiment: %w", err)
			}
			res.Experiments++

			for _, dv := range intent.Variants {
				v, duplicate, err := experiment.Admit(ctx, tx, intent.IntentID, intent.Locale, dv.Text)
				if err != nil {
					return fmt.Errorf("admit variant: %w", err)
				}
				if !duplicate {
					res.Variants++
				}

				for i := 0; i < impressionsPerVariant; i++ {
					events, err := seedImpression(ctx, tx, v, dv, i, rng)
					if err != nil {
						return err
					}
					res.Impressions++
					res.Events += events
				}
			}
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("seed %s: %w", intent.IntentID, err)
		}

		total.Experiments += res.Experiments
		total.Variants += res.Variants
		total.Impressions += res.Impressions
		total.Events += res.Events
	}

	return total, nil
}

// seedImpression records one impression and draws its events. Conversions
// only follow opens.
func seedImpression(ctx context.Context, tx db.Store, v *db.Variant, dv demoVariant, n int, rng *rand.Rand) (int, error) {
	userID := fmt.Sprintf("demo_user_%d", n)
	imp := &db.Impression{VariantID: v.ID, UserID: &userID}
	if err := tx.CreateImpression(ctx, imp); err != nil {
		return 0, fmt.Errorf("create impression: %w", err)
	}

	if rng.Float64() >= dv.OpenRate {
		return 0, nil
	}
	if err := tx.CreateEvent(ctx, &db.Event{
		TrackingToken: imp.TrackingToken,
		Type:          db.EventOpened,
		OccurredAt:    imp.CreatedAt,
	}); err != nil {
		return 0, fmt.Errorf("create event: %w", err)
	}

	if rng.Float64() >= dv.ConversionRate/dv.OpenRate {
		return 1, nil
	}
	if err := tx.CreateEvent(ctx, &db.Event{
		TrackingToken: imp.TrackingToken,
		Type:          db.EventConversion,
		OccurredAt:    imp.CreatedAt,
		Properties:    map[string]string{"source": "seed"},
	}); err != nil {
		return 1, fmt.Errorf("create event: %w", err)
	}
	return 2, nil
}
