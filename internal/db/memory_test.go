package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func seedVariant(t *testing.T, s Store, intentID, locale, text string) (*Experiment, *Variant) {
	t.Helper()
	ctx := context.Background()

	exp, _, err := s.GetOrCreateExperiment(ctx, &Experiment{IntentID: intentID, BaseMessage: "base", Locale: locale})
	if err != nil {
		t.Fatalf("GetOrCreateExperiment() error = %v", err)
	}
	v := &Variant{ExperimentID: exp.ID, Text: text, Locale: locale}
	if err := s.CreateVariant(ctx, v); err != nil {
		t.Fatalf("CreateVariant() error = %v", err)
	}
	return exp, v
}

func TestMemoryStore_GetOrCreateExperiment(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, created, err := s.GetOrCreateExperiment(ctx, &Experiment{IntentID: "cart_abandon", BaseMessage: "Come back", Locale: "en-US"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Error("expected first call to create the experiment")
	}
	if first.Status != ExperimentActive {
		t.Errorf("expected status active, got %s", first.Status)
	}

	second, created, err := s.GetOrCreateExperiment(ctx, &Experiment{IntentID: "cart_abandon", BaseMessage: "other"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Error("expected second call to reuse the experiment")
	}
	if second.ID != first.ID || second.BaseMessage != "Come back" {
		t.Errorf("expected existing experiment, got %+v", second)
	}

	list, _ := s.ListExperiments(ctx, 10, 0)
	if len(list) != 1 {
		t.Errorf("expected 1 experiment, got %d", len(list))
	}
}

func TestMemoryStore_GetExperimentNotFound(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.GetExperiment(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	_, err = s.UpdateExperimentStatus(context.Background(), "missing", ExperimentPaused)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ListVariantsByLocale(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	exp, _ := seedVariant(t, s, "price_drop", "en-US", "Price dropped")
	if err := s.CreateVariant(ctx, &Variant{ExperimentID: exp.ID, Text: "Baisse de prix", Locale: "fr-FR"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		locale string
		want   int
	}{
		{"en-US", 1},
		{"fr-FR", 1},
		{"de-DE", 0},
		{"", 2},
	}
	for _, tt := range tests {
		t.Run(tt.locale, func(t *testing.T) {
			got, err := s.ListVariants(ctx, exp.ID, tt.locale)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("ListVariants(%q) = %d variants, want %d", tt.locale, len(got), tt.want)
			}
		})
	}
}

func TestMemoryStore_ImpressionsAndEvents(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	exp, v := seedVariant(t, s, "cart_abandon", "en-US", "Your cart misses you")

	imp := &Impression{VariantID: v.ID}
	if err := s.CreateImpression(ctx, imp); err != nil {
		t.Fatalf("CreateImpression() error = %v", err)
	}
	if !strings.HasPrefix(imp.TrackingToken, "trk_") {
		t.Errorf("unexpected token format %q", imp.TrackingToken)
	}

	got, err := s.GetImpression(ctx, imp.TrackingToken)
	if err != nil || got.VariantID != v.ID {
		t.Fatalf("GetImpression() = %+v, %v", got, err)
	}

	if err := s.CreateImpression(ctx, &Impression{VariantID: v.ID}); err != nil {
		t.Fatal(err)
	}

	for _, typ := range []EventType{EventOpened, EventOpened, EventConversion} {
		if err := s.CreateEvent(ctx, &Event{TrackingToken: imp.TrackingToken, Type: typ}); err != nil {
			t.Fatalf("CreateEvent() error = %v", err)
		}
	}

	err = s.CreateEvent(ctx, &Event{TrackingToken: "trk_unknown", Type: EventOpened})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown token, got %v", err)
	}

	impressions, _ := s.CountImpressions(ctx, v.ID, TimeWindow{})
	opens, _ := s.CountEvents(ctx, v.ID, EventOpened, TimeWindow{})
	conversions, _ := s.CountEvents(ctx, v.ID, EventConversion, TimeWindow{})
	if impressions != 2 || opens != 2 || conversions != 1 {
		t.Errorf("counts = (%d, %d, %d), want (2, 2, 1)", impressions, opens, conversions)
	}

	counts, err := s.VariantCounts(ctx, exp.ID, "en-US", EventOpened)
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 1 || counts[0].Sent != 2 || counts[0].Rewards != 1 {
		t.Errorf("VariantCounts() = %+v, want sent=2 rewards=1", counts)
	}
}

func TestMemoryStore_CountWindow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, v := seedVariant(t, s, "cart_abandon", "en-US", "hello")

	for day := 0; day < 3; day++ {
		s.SetClock(func() time.Time { return base.AddDate(0, 0, day) })
		imp := &Impression{VariantID: v.ID}
		if err := s.CreateImpression(ctx, imp); err != nil {
			t.Fatal(err)
		}
		if err := s.CreateEvent(ctx, &Event{TrackingToken: imp.TrackingToken, Type: EventOpened}); err != nil {
			t.Fatal(err)
		}
	}

	from := base.AddDate(0, 0, 1)
	to := base.AddDate(0, 0, 2)

	tests := []struct {
		name string
		w    TimeWindow
		want int64
	}{
		{"unbounded", TimeWindow{}, 3},
		{"from", TimeWindow{From: &from}, 2},
		{"to", TimeWindow{To: &from}, 2},
		{"both", TimeWindow{From: &from, To: &to}, 2},
		{"point", TimeWindow{From: &to, To: &to}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, _ := s.CountImpressions(ctx, v.ID, tt.w)
			if n != tt.want {
				t.Errorf("CountImpressions() = %d, want %d", n, tt.want)
			}
			e, _ := s.CountEvents(ctx, v.ID, EventOpened, tt.w)
			if e != tt.want {
				t.Errorf("CountEvents() = %d, want %d", e, tt.want)
			}
		})
	}
}

func TestMemoryStore_WithTxRollback(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	exp, _ := seedVariant(t, s, "cart_abandon", "en-US", "kept")

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateVariant(ctx, &Variant{ExperimentID: exp.ID, Text: "discarded", Locale: "en-US"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	variants, _ := s.ListVariants(ctx, exp.ID, "")
	if len(variants) != 1 || variants[0].Text != "kept" {
		t.Errorf("expected rollback to leave only the original variant, got %d", len(variants))
	}

	err = s.WithTx(ctx, func(tx Store) error {
		return tx.WithTx(ctx, func(inner Store) error {
			return inner.CreateVariant(ctx, &Variant{ExperimentID: exp.ID, Text: "committed", Locale: "en-US"})
		})
	})
	if err != nil {
		t.Fatalf("nested WithTx error = %v", err)
	}
	variants, _ = s.ListVariants(ctx, exp.ID, "")
	if len(variants) != 2 {
		t.Errorf("expected committed variant, got %d variants", len(variants))
	}
}

func TestParseEnums(t *testing.T) {
	if _, err := ParseEventType("clicked"); err == nil {
		t.Error("expected error for unknown event type")
	}
	if got, err := ParseEventType("conversion"); err != nil || got != EventConversion {
		t.Errorf("ParseEventType(conversion) = %q, %v", got, err)
	}
	if _, err := ParseExperimentStatus("deleted"); err == nil {
		t.Error("expected error for unknown status")
	}
	if got, err := ParseExperimentStatus("paused"); err != nil || got != ExperimentPaused {
		t.Errorf("ParseExperimentStatus(paused) = %q, %v", got, err)
	}
}

func TestIDFormats(t *testing.T) {
	v := NewVariantID()
	if !strings.HasPrefix(v, "var_") || len(v) != 16 {
		t.Errorf("unexpected variant id %q", v)
	}
	tok := NewTrackingToken()
	if !strings.HasPrefix(tok, "trk_") || len(tok) != 4+16+1+16 {
		t.Errorf("unexpected tracking token %q", tok)
	}
	if NewTrackingToken() == tok {
		t.Error("expected tokens to differ")
	}
}
