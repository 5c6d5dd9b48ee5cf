package stats

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/notifylab/internal/bandit"
	"github.com/lalithlochan/notifylab/internal/db"
	"github.com/lalithlochan/notifylab/internal/experiment"
	"github.com/lalithlochan/notifylab/internal/generator"
)

func seedVariant(t *testing.T, s db.Store, expID int64, text string, impressions int, opens, conversions int) *db.Variant {
	t.Helper()
	ctx := context.Background()

	v := &db.Variant{ExperimentID: expID, Text: text, Locale: "en-US"}
	if err := s.CreateVariant(ctx, v); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < impressions; i++ {
		imp := &db.Impression{VariantID: v.ID}
		if err := s.CreateImpression(ctx, imp); err != nil {
			t.Fatal(err)
		}
		if i < opens {
			_ = s.CreateEvent(ctx, &db.Event{TrackingToken: imp.TrackingToken, Type: db.EventOpened})
		}
		if i < conversions {
			_ = s.CreateEvent(ctx, &db.Event{TrackingToken: imp.TrackingToken, Type: db.EventConversion})
		}
	}
	return v
}

func newExperiment(t *testing.T, s db.Store, intentID string) *db.Experiment {
	t.Helper()
	exp, _, err := s.GetOrCreateExperiment(context.Background(), &db.Experiment{IntentID: intentID, BaseMessage: "base", Locale: "en-US"})
	if err != nil {
		t.Fatal(err)
	}
	return exp
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestStats_WeightsOverallRatesByVolume(t *testing.T) {
	s := db.NewMemoryStore()
	exp := newExperiment(t, s, "cart_abandon")
	seedVariant(t, s, exp.ID, "big", 90, 9, 3)
	seedVariant(t, s, exp.ID, "small", 10, 5, 1)

	got, err := NewAggregator(2, zap.NewNop()).Stats(context.Background(), s, "cart_abandon", db.TimeWindow{})
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}

	if got.TotalImpressions != 100 || got.TotalOpens != 14 || got.TotalConversions != 4 {
		t.Errorf("totals = %d/%d/%d, want 100/14/4", got.TotalImpressions, got.TotalOpens, got.TotalConversions)
	}
	// mean of per-variant rates would be 0.3
	if !approx(got.OverallOpenRate, 0.14) {
		t.Errorf("overall open rate = %v, want 0.14", got.OverallOpenRate)
	}
	if !approx(got.OverallConversionRate, 0.04) {
		t.Errorf("overall conversion rate = %v, want 0.04", got.OverallConversionRate)
	}

	if len(got.Variants) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(got.Variants))
	}
	small := got.Variants[1]
	if small.Text != "small" || !approx(small.OpenRate, 0.5) || !approx(small.ConversionRate, 0.1) {
		t.Errorf("unexpected small variant stats %+v", small)
	}
}

func TestStats_ZeroImpressionsHaveZeroRates(t *testing.T) {
	s := db.NewMemoryStore()
	exp := newExperiment(t, s, "price_drop")
	seedVariant(t, s, exp.ID, "unseen", 0, 0, 0)

	got, err := NewAggregator(0, zap.NewNop()).Stats(context.Background(), s, "price_drop", db.TimeWindow{})
	if err != nil {
		t.Fatal(err)
	}
	v := got.Variants[0]
	if v.OpenRate != 0 || v.ConversionRate != 0 || got.OverallOpenRate != 0 || got.OverallConversionRate != 0 {
		t.Errorf("expected zero rates, got %+v", got)
	}
	if math.IsNaN(got.OverallOpenRate) {
		t.Error("overall open rate is NaN")
	}
}

func TestStats_NoVariants(t *testing.T) {
	s := db.NewMemoryStore()
	newExperiment(t, s, "empty")

	got, err := NewAggregator(1, zap.NewNop()).Stats(context.Background(), s, "empty", db.TimeWindow{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Variants) != 0 || got.TotalImpressions != 0 {
		t.Errorf("unexpected stats %+v", got)
	}
}

func TestStats_UnknownIntent(t *testing.T) {
	_, err := NewAggregator(1, zap.NewNop()).Stats(context.Background(), db.NewMemoryStore(), "nope", db.TimeWindow{})
	if !errors.Is(err, db.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStats_DateWindow(t *testing.T) {
	s := db.NewMemoryStore()
	day := func(d int) time.Time { return time.Date(2024, 3, d, 12, 0, 0, 0, time.UTC) }

	now := day(1)
	s.SetClock(func() time.Time { return now })

	exp := newExperiment(t, s, "cart_abandon")
	v := seedVariant(t, s, exp.ID, "v", 2, 1, 0)
	now = day(5)
	for i := 0; i < 3; i++ {
		imp := &db.Impression{VariantID: v.ID}
		if err := s.CreateImpression(context.Background(), imp); err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			_ = s.CreateEvent(context.Background(), &db.Event{TrackingToken: imp.TrackingToken, Type: db.EventOpened})
		}
	}

	from, to := day(2), day(5)
	tests := []struct {
		name            string
		from, to        *time.Time
		wantImpressions int64
		wantOpens       int64
	}{
		{"unbounded", nil, nil, 5, 2},
		{"from only", &from, nil, 3, 1},
		{"to only", nil, &from, 2, 1},
		{"inclusive bounds", &from, &to, 3, 1},
	}

	agg := NewAggregator(2, zap.NewNop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := Window(tt.from, tt.to)
			if err != nil {
				t.Fatal(err)
			}
			got, err := agg.Stats(context.Background(), s, "cart_abandon", w)
			if err != nil {
				t.Fatal(err)
			}
			if got.TotalImpressions != tt.wantImpressions || got.TotalOpens != tt.wantOpens {
				t.Errorf("got %d impressions %d opens, want %d and %d",
					got.TotalImpressions, got.TotalOpens, tt.wantImpressions, tt.wantOpens)
			}
		})
	}
}

func TestWindow_RejectsInvertedRange(t *testing.T) {
	from := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	to := from.Add(-time.Hour)

	if _, err := Window(&from, &to); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("expected ErrInvalidWindow, got %v", err)
	}
	if _, err := NewAggregator(1, zap.NewNop()).Stats(context.Background(), db.NewMemoryStore(), "x", db.TimeWindow{From: &from, To: &to}); !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("expected ErrInvalidWindow from Stats, got %v", err)
	}
}

type failingCounts struct {
	*db.MemoryStore
}

func (failingCounts) CountEvents(context.Context, int64, db.EventType, db.TimeWindow) (int64, error) {
	return 0, errors.New("connection reset")
}

func TestStats_StoreFailure(t *testing.T) {
	mem := db.NewMemoryStore()
	exp := newExperiment(t, mem, "cart_abandon")
	seedVariant(t, mem, exp.ID, "a", 1, 0, 0)
	seedVariant(t, mem, exp.ID, "b", 1, 0, 0)

	if _, err := NewAggregator(2, zap.NewNop()).Stats(context.Background(), failingCounts{mem}, "cart_abandon", db.TimeWindow{}); err == nil {
		t.Fatal("expected store failure to surface")
	}
}

func TestEndToEnd_CartAbandon(t *testing.T) {
	ctx := context.Background()
	s := db.NewMemoryStore()

	n := 0
	gen := generator.Func(func(_ context.Context, req generator.Request) (*generator.Result, error) {
		n++
		texts := []string{"Your cart misses you", "Still want those sneakers?", "Complete your order today"}
		return &generator.Result{Text: texts[(n-1)%len(texts)], ShouldPersist: true}, nil
	})

	cfg := experiment.DefaultConfig()
	cfg.GeneratorTimeout = time.Second
	o := experiment.NewOrchestrator(cfg, bandit.NewSelector(bandit.DefaultConfig()), gen, nil, zap.NewNop())

	req := experiment.ResolveRequest{IntentID: "cart_abandon", BaseMessage: "You left items in your cart"}
	first, err := o.Resolve(ctx, s, req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := o.Resolve(ctx, s, req)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || first.VariantID == second.VariantID {
		t.Fatalf("expected two explorations with distinct variants, got %d calls", n)
	}

	rec := experiment.NewEventRecorder(zap.NewNop())
	res, err := rec.Record(ctx, s, []experiment.EventInput{
		{Type: "opened", TrackingToken: first.TrackingToken},
		{Type: "conversion", TrackingToken: first.TrackingToken},
		{Type: "opened", TrackingToken: "trk_bogus"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Recorded != 2 || res.Total != 3 {
		t.Errorf("Record() = %+v", res)
	}

	got, err := NewAggregator(2, zap.NewNop()).Stats(ctx, s, "cart_abandon", db.TimeWindow{})
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, v := range got.Variants {
		if v.VariantID != first.VariantID {
			continue
		}
		found = true
		if v.Impressions != 1 || v.Opens != 1 || v.Conversions != 1 {
			t.Errorf("first variant stats = %+v", v)
		}
	}
	if !found {
		t.Errorf("variant %s missing from stats", first.VariantID)
	}
	if got.TotalImpressions != 2 || got.TotalOpens != 1 {
		t.Errorf("totals = %d impressions %d opens", got.TotalImpressions, got.TotalOpens)
	}
}
