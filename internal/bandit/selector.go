// Package bandit decides, from per-variant outcome counts, whether to reuse a
// known variant or to explore a new one. Selection is Thompson Sampling over
// independent Beta posteriors with a uniform Beta(1,1) prior.
package bandit

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Config controls the exploration policy
type Config struct {
	// ExplorationThreshold is the total number of impressions across all
	// arms below which the selector always explores.
	ExplorationThreshold int64
	// ExplorationRate is the probability of exploring even when an arm has
	// been picked. Must be in [0, 1].
	ExplorationRate float64
}

// DefaultConfig returns the production exploration policy
func DefaultConfig() Config {
	return Config{
		ExplorationThreshold: 50,
		ExplorationRate:      0.1,
	}
}

// Validate checks the config bounds
func (c Config) Validate() error {
	if c.ExplorationThreshold < 0 {
		return fmt.Errorf("exploration threshold must be >= 0, got %d", c.ExplorationThreshold)
	}
	if c.ExplorationRate < 0 || c.ExplorationRate > 1 {
		return fmt.Errorf("exploration rate must be in [0,1], got %v", c.ExplorationRate)
	}
	return nil
}

// Arm is the observed history of one variant
type Arm struct {
	VariantID string
	Sent      int64
	Successes int64
}

// Kind distinguishes the two possible decisions
type Kind int

const (
	Explore Kind = iota
	UseVariant
)

func (k Kind) String() string {
	if k == UseVariant {
		return "use_variant"
	}
	return "explore"
}

// Reasons attached to decisions, also used as metric labels
const (
	ReasonNoVariants      = "no_variants"
	ReasonBelowThreshold  = "below_threshold"
	ReasonExplorationRate = "exploration_rate"
	ReasonSampled         = "sampled"
)

// Decision is the outcome of a selection. Index points into the arms passed
// to Select and is only meaningful when Kind is UseVariant.
type Decision struct {
	Kind   Kind
	Index  int
	Sample float64
	Reason string
}

// Sampler draws from a Beta distribution
type Sampler interface {
	Beta(alpha, beta float64) float64
}

// BetaSampler draws with gonum's Beta distribution
type BetaSampler struct{}

// Beta returns one draw from Beta(alpha, beta)
func (BetaSampler) Beta(alpha, beta float64) float64 {
	return distuv.Beta{Alpha: alpha, Beta: beta}.Rand()
}

// Selector implements Thompson Sampling with a cold-start threshold and a
// residual exploration probability
type Selector struct {
	cfg     Config
	sampler Sampler
	coin    func() float64
}

// Option customizes a Selector
type Option func(*Selector)

// WithSampler replaces the Beta sampler
func WithSampler(s Sampler) Option {
	return func(sel *Selector) { sel.sampler = s }
}

// WithCoin replaces the uniform [0,1) source used for the exploration override
func WithCoin(coin func() float64) Option {
	return func(sel *Selector) { sel.coin = coin }
}

// NewSelector creates a selector
func NewSelector(cfg Config, opts ...Option) *Selector {
	s := &Selector{
		cfg:     cfg,
		sampler: BetaSampler{},
		coin:    rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the policy the selector was built with
func (s *Selector) Config() Config {
	return s.cfg
}

// Select decides between exploiting one of arms and exploring
func (s *Selector) Select(arms []Arm) Decision {
	if len(arms) == 0 {
		return Decision{Kind: Explore, Index: -1, Reason: ReasonNoVariants}
	}

	var total int64
	for _, a := range arms {
		total += a.Sent
	}
	if total < s.cfg.ExplorationThreshold {
		return Decision{Kind: Explore, Index: -1, Reason: ReasonBelowThreshold}
	}

	best, sample := s.sample(arms)

	if s.cfg.ExplorationRate > 0 && s.coin() < s.cfg.ExplorationRate {
		return Decision{Kind: Explore, Index: -1, Reason: ReasonExplorationRate}
	}

	return Decision{Kind: UseVariant, Index: best, Sample: sample, Reason: ReasonSampled}
}

// Exploit picks an arm by Thompson Sampling alone, ignoring the threshold and
// the exploration rate. ok is false when there are no arms.
func (s *Selector) Exploit(arms []Arm) (d Decision, ok bool) {
	if len(arms) == 0 {
		return Decision{Kind: Explore, Index: -1, Reason: ReasonNoVariants}, false
	}
	best, sample := s.sample(arms)
	return Decision{Kind: UseVariant, Index: best, Sample: sample, Reason: ReasonSampled}, true
}

// sample draws once per arm and returns the first arm holding the maximum
func (s *Selector) sample(arms []Arm) (int, float64) {
	best := -1
	var bestSample float64
	for i, a := range arms {
		successes, failures := posterior(a)
		draw := s.sampler.Beta(float64(successes+1), float64(failures+1))
		if best == -1 || draw > bestSample {
			best = i
			bestSample = draw
		}
	}
	return best, bestSample
}

// posterior converts raw counts to success/failure counts, clamping
// inconsistent input so the Beta parameters stay positive
func posterior(a Arm) (successes, failures int64) {
	successes = max(a.Successes, 0)
	sent := max(a.Sent, 0)
	successes = min(successes, sent)
	return successes, sent - successes
}
