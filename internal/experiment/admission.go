// Package experiment resolves notification intents to message variants:
// duplicate-aware admission of candidate texts, bandit-driven selection with
// bounded regeneration, and recording of outcome events.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lalithlochan/notifylab/internal/db"
)

var (
	// ErrInvariantViolation means resolution ended without a decision
	ErrInvariantViolation = errors.New("resolution ended without a decision")
	// ErrEmptyText is returned when a candidate is blank after trimming
	ErrEmptyText = errors.New("candidate text is empty")
)

// Normalize is the comparison form of a variant text
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Admit stores candidate as a variant of the intent for locale, unless a
// variant with the same normalized text already exists there, in which case
// that variant is returned with duplicate set. Stored text is the candidate
// with surrounding whitespace trimmed. The check and the insert are not
// serialized against concurrent admissions.
func Admit(ctx context.Context, store db.Store, intentID, locale, candidate string) (v *db.Variant, duplicate bool, err error) {
	exp, err := store.GetExperiment(ctx, intentID)
	if err != nil {
		return nil, false, err
	}
	return admit(ctx, store, exp, locale, candidate)
}

func admit(ctx context.Context, store db.Store, exp *db.Experiment, locale, candidate string) (*db.Variant, bool, error) {
	normalized := Normalize(candidate)
	if normalized == "" {
		return nil, false, ErrEmptyText
	}

	existing, err := store.ListVariants(ctx, exp.ID, locale)
	if err != nil {
		return nil, false, fmt.Errorf("list variants: %w", err)
	}
	for _, v := range existing {
		if Normalize(v.Text) == normalized {
			return v, true, nil
		}
	}

	v := &db.Variant{
		ExperimentID: exp.ID,
		Text:         strings.TrimSpace(candidate),
		Locale:       locale,
	}
	if err := store.CreateVariant(ctx, v); err != nil {
		return nil, false, err
	}
	return v, false, nil
}
