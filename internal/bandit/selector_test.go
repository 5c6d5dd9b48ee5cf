package bandit

import (
	"testing"
)

// fixedSampler returns the posterior mean so decisions are deterministic
type fixedSampler struct {
	calls [][2]float64
}

func (f *fixedSampler) Beta(alpha, beta float64) float64 {
	f.calls = append(f.calls, [2]float64{alpha, beta})
	return alpha / (alpha + beta)
}

func TestSelect_BelowThresholdAlwaysExplores(t *testing.T) {
	tests := []struct {
		name string
		arms []Arm
	}{
		{"no arms", nil},
		{"single cold arm", []Arm{{VariantID: "a", Sent: 0}}},
		{"strong winner below threshold", []Arm{{VariantID: "a", Sent: 30, Successes: 30}, {VariantID: "b", Sent: 19}}},
		{"exactly one short", []Arm{{VariantID: "a", Sent: 49, Successes: 10}}},
	}

	sel := NewSelector(Config{ExplorationThreshold: 50, ExplorationRate: 0}, WithSampler(&fixedSampler{}))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 100; i++ {
				d := sel.Select(tt.arms)
				if d.Kind != Explore {
					t.Fatalf("Select() = %v, want explore", d.Kind)
				}
			}
		})
	}
}

func TestSelect_AtThresholdWithZeroRateNeverExplores(t *testing.T) {
	arms := []Arm{{VariantID: "a", Sent: 25, Successes: 5}, {VariantID: "b", Sent: 25, Successes: 1}}
	sel := NewSelector(Config{ExplorationThreshold: 50, ExplorationRate: 0})

	for i := 0; i < 1000; i++ {
		d := sel.Select(arms)
		if d.Kind != UseVariant {
			t.Fatalf("trial %d: Select() = %v, want use_variant", i, d.Kind)
		}
		if d.Index < 0 || d.Index >= len(arms) {
			t.Fatalf("trial %d: index %d out of range", i, d.Index)
		}
	}
}

func TestSelect_UsesLaplacePrior(t *testing.T) {
	fs := &fixedSampler{}
	sel := NewSelector(Config{ExplorationThreshold: 0, ExplorationRate: 0}, WithSampler(fs))

	d := sel.Select([]Arm{{VariantID: "a", Sent: 10, Successes: 3}, {VariantID: "b", Sent: 0}})
	if d.Kind != UseVariant {
		t.Fatalf("expected use_variant, got %v", d.Kind)
	}

	want := [][2]float64{{4, 8}, {1, 1}}
	if len(fs.calls) != len(want) {
		t.Fatalf("expected %d draws, got %d", len(want), len(fs.calls))
	}
	for i := range want {
		if fs.calls[i] != want[i] {
			t.Errorf("draw %d params = %v, want %v", i, fs.calls[i], want[i])
		}
	}
	// untried arm mean 0.5 beats 4/12
	if d.Index != 1 {
		t.Errorf("expected arm 1, got %d", d.Index)
	}
}

func TestSelect_FirstMaxOnTies(t *testing.T) {
	sel := NewSelector(Config{}, WithSampler(&fixedSampler{}))
	d := sel.Select([]Arm{{VariantID: "a", Sent: 10, Successes: 5}, {VariantID: "b", Sent: 10, Successes: 5}})
	if d.Index != 0 {
		t.Errorf("expected first arm on tie, got %d", d.Index)
	}
}

func TestSelect_ExplorationRateOverride(t *testing.T) {
	arms := []Arm{{VariantID: "a", Sent: 100, Successes: 50}}

	tests := []struct {
		name string
		rate float64
		coin float64
		want Kind
	}{
		{"coin under rate explores", 0.1, 0.05, Explore},
		{"coin at rate exploits", 0.1, 0.1, UseVariant},
		{"coin over rate exploits", 0.1, 0.9, UseVariant},
		{"rate one always explores", 1, 0.999, Explore},
		{"rate zero ignores coin", 0, 0, UseVariant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := NewSelector(
				Config{ExplorationThreshold: 50, ExplorationRate: tt.rate},
				WithSampler(&fixedSampler{}),
				WithCoin(func() float64 { return tt.coin }),
			)
			d := sel.Select(arms)
			if d.Kind != tt.want {
				t.Errorf("Select() = %v, want %v", d.Kind, tt.want)
			}
			if d.Kind == Explore && d.Reason != ReasonExplorationRate {
				t.Errorf("expected reason %q, got %q", ReasonExplorationRate, d.Reason)
			}
		})
	}
}

func TestSelect_FavorsHigherConvertingArm(t *testing.T) {
	arms := []Arm{
		{VariantID: "strong", Sent: 100, Successes: 30},
		{VariantID: "weak", Sent: 100, Successes: 10},
	}
	sel := NewSelector(Config{ExplorationThreshold: 50, ExplorationRate: 0})

	picks := make([]int, len(arms))
	for i := 0; i < 2000; i++ {
		d := sel.Select(arms)
		picks[d.Index]++
	}

	if picks[0] <= picks[1] {
		t.Errorf("expected strong arm to be picked more often, got %v", picks)
	}
}

func TestSelect_ClampsInconsistentCounts(t *testing.T) {
	fs := &fixedSampler{}
	sel := NewSelector(Config{}, WithSampler(fs))

	sel.Select([]Arm{{VariantID: "a", Sent: 5, Successes: 9}, {VariantID: "b", Sent: -1, Successes: -3}})

	want := [][2]float64{{6, 1}, {1, 1}}
	for i := range want {
		if fs.calls[i] != want[i] {
			t.Errorf("draw %d params = %v, want %v", i, fs.calls[i], want[i])
		}
	}
}

func TestExploit(t *testing.T) {
	sel := NewSelector(Config{ExplorationThreshold: 1000, ExplorationRate: 1}, WithSampler(&fixedSampler{}))

	if _, ok := sel.Exploit(nil); ok {
		t.Error("expected ok=false with no arms")
	}

	d, ok := sel.Exploit([]Arm{{VariantID: "a", Sent: 2, Successes: 0}, {VariantID: "b", Sent: 2, Successes: 2}})
	if !ok || d.Kind != UseVariant || d.Index != 1 {
		t.Errorf("Exploit() = %+v, %v; want arm 1", d, ok)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", DefaultConfig(), false},
		{"negative threshold", Config{ExplorationThreshold: -1}, true},
		{"rate above one", Config{ExplorationRate: 1.5}, true},
		{"rate below zero", Config{ExplorationRate: -0.1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBetaSamplerRange(t *testing.T) {
	var s BetaSampler
	for i := 0; i < 500; i++ {
		v := s.Beta(3, 7)
		if v < 0 || v > 1 {
			t.Fatalf("Beta draw %v out of [0,1]", v)
		}
	}
}
