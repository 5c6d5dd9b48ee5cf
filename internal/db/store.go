package db

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a point lookup matches no row
var ErrNotFound = errors.New("not found")

// Store is a handle on the experiment tables. Every engine operation takes
// one explicitly; WithTx hands the callback a handle bound to a transaction
// that commits when the callback returns nil and rolls back otherwise.
type Store interface {
	WithTx(ctx context.Context, fn func(Store) error) error

	// GetOrCreateExperiment inserts e unless its intent already exists and
	// returns the stored row. created is false when another row won.
	GetOrCreateExperiment(ctx context.Context, e *Experiment) (exp *Experiment, created bool, err error)
	GetExperiment(ctx context.Context, intentID string) (*Experiment, error)
	ListExperiments(ctx context.Context, limit, offset int) ([]*Experiment, error)
	UpdateExperimentStatus(ctx context.Context, intentID string, status ExperimentStatus) (*Experiment, error)

	// ListVariants returns variants in creation order. An empty locale matches all.
	ListVariants(ctx context.Context, experimentID int64, locale string) ([]*Variant, error)
	CreateVariant(ctx context.Context, v *Variant) error
	VariantCounts(ctx context.Context, experimentID int64, locale string, reward EventType) ([]VariantCounts, error)

	CreateImpression(ctx context.Context, imp *Impression) error
	GetImpression(ctx context.Context, trackingToken string) (*Impression, error)
	CreateEvent(ctx context.Context, ev *Event) error

	CountImpressions(ctx context.Context, variantID int64, w TimeWindow) (int64, error)
	// CountEvents counts events of type t on impressions of the variant created inside w
	CountEvents(ctx context.Context, variantID int64, t EventType, w TimeWindow) (int64, error)

	CreateAPIKey(ctx context.Context, k *APIKey) error
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error)
}
