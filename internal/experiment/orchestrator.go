package experiment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/notifylab/internal/bandit"
	"github.com/lalithlochan/notifylab/internal/db"
	"github.com/lalithlochan/notifylab/internal/generator"
	"github.com/lalithlochan/notifylab/internal/metrics"
)

// DefaultLocale is used when a request carries none
const DefaultLocale = "en-US"

// TempPrefix marks identifiers of results that were never stored
const TempPrefix = "temp_"

// Config controls generation
type Config struct {
	// MaxRetries bounds generator calls per resolution. Must be >= 1.
	MaxRetries int
	// GeneratorTimeout bounds each generator call
	GeneratorTimeout time.Duration
	// GenerationBudget bounds all generator calls of one resolution together.
	// Zero means MaxRetries * GeneratorTimeout.
	GenerationBudget time.Duration
	// FallbackWriteTimeout bounds storing the base message once generation
	// gave up. The write runs even if the request context has expired.
	FallbackWriteTimeout time.Duration
	// RewardEvent is the event type counted as a success by the bandit
	RewardEvent db.EventType
}

// DefaultConfig returns the production settings
func DefaultConfig() Config {
	return Config{
		MaxRetries:           3,
		GeneratorTimeout:     10 * time.Second,
		GenerationBudget:     20 * time.Second,
		FallbackWriteTimeout: 5 * time.Second,
		RewardEvent:          db.EventOpened,
	}
}

// VariantPublisher is told about every newly stored variant
type VariantPublisher interface {
	VariantCreated(ctx context.Context, exp *db.Experiment, v *db.Variant) error
}

// ResolveRequest asks for the message to show for an intent
type ResolveRequest struct {
	IntentID    string
	Locale      string
	Context     map[string]string
	BaseMessage string
	UserID      *string
	Timestamp   *time.Time
}

// Resolution is the message chosen for a request. TrackingToken is empty
// for previews that were not stored.
type Resolution struct {
	IntentID      string `json:"intent_id"`
	VariantID     string `json:"variant_id"`
	Text          string `json:"text"`
	TrackingToken string `json:"tracking_token,omitempty"`
	Path          string `json:"-"`
}

// Orchestrator resolves intents to variants
type Orchestrator struct {
	cfg       Config
	selector  *bandit.Selector
	gen       generator.Generator
	publisher VariantPublisher
	logger    *zap.Logger
}

// NewOrchestrator creates an orchestrator. publisher may be nil.
func NewOrchestrator(cfg Config, selector *bandit.Selector, gen generator.Generator, publisher VariantPublisher, logger *zap.Logger) *Orchestrator {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.RewardEvent == "" {
		cfg.RewardEvent = db.EventOpened
	}
	if cfg.GenerationBudget <= 0 && cfg.GeneratorTimeout > 0 {
		cfg.GenerationBudget = time.Duration(cfg.MaxRetries) * cfg.GeneratorTimeout
	}
	if cfg.FallbackWriteTimeout <= 0 {
		cfg.FallbackWriteTimeout = 5 * time.Second
	}
	return &Orchestrator{
		cfg:       cfg,
		selector:  selector,
		gen:       gen,
		publisher: publisher,
		logger:    logger,
	}
}

// Resolve picks or generates the message for req and records an impression
// for every stored result before returning its tracking token.
// Exploiting an existing variant also records an impression, so sent keeps growing.
func (o *Orchestrator) Resolve(ctx context.Context, store db.Store, req ResolveRequest) (*Resolution, error) {
	if req.Locale == "" {
		req.Locale = DefaultLocale
	}

	exp, _, err := store.GetOrCreateExperiment(ctx, &db.Experiment{
		IntentID:    req.IntentID,
		BaseMessage: req.BaseMessage,
		Locale:      req.Locale,
	})
	if err != nil {
		return nil, fmt.Errorf("get or create experiment: %w", err)
	}

	counts, err := store.VariantCounts(ctx, exp.ID, req.Locale, o.cfg.RewardEvent)
	if err != nil {
		return nil, fmt.Errorf("variant counts: %w", err)
	}

	arms := make([]bandit.Arm, len(counts))
	for i, c := range counts {
		arms[i] = bandit.Arm{VariantID: c.Variant.VariantID, Sent: c.Sent, Successes: c.Rewards}
	}

	var decision bandit.Decision
	if exp.Status == db.ExperimentActive {
		decision = o.selector.Select(arms)
	} else {
		// stopped experiments never generate
		var ok bool
		if decision, ok = o.selector.Exploit(arms); !ok {
			metrics.RecordDecision(decision.Kind.String(), "inactive")
			return o.admitAndTrack(ctx, store, exp, req, req.BaseMessage, true, metrics.PathFallback)
		}
	}
	metrics.RecordDecision(decision.Kind.String(), decision.Reason)

	if decision.Kind == bandit.UseVariant {
		v := counts[decision.Index].Variant
		o.logger.Debug("exploiting variant",
			zap.String("intent_id", req.IntentID),
			zap.String("variant_id", v.VariantID),
			zap.Float64("sample", decision.Sample),
		)
		return o.track(ctx, store, req, v, metrics.PathExploit)
	}

	o.logger.Debug("exploring",
		zap.String("intent_id", req.IntentID),
		zap.String("reason", decision.Reason),
	)
	return o.explore(ctx, store, exp, req)
}

func (o *Orchestrator) explore(ctx context.Context, store db.Store, exp *db.Experiment, req ResolveRequest) (*Resolution, error) {
	genReq := generator.Request{
		IntentID:    req.IntentID,
		Locale:      req.Locale,
		Context:     req.Context,
		BaseMessage: req.BaseMessage,
		Timestamp:   req.Timestamp,
	}

	genCtx := ctx
	if o.cfg.GenerationBudget > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, o.cfg.GenerationBudget)
		defer cancel()
	}

	for attempt := 1; attempt <= o.cfg.MaxRetries; attempt++ {
		res, err := o.generate(genCtx, genReq)
		if err != nil {
			o.logger.Warn("generator failed, falling back to base message",
				zap.Error(err),
				zap.String("intent_id", req.IntentID),
				zap.Int("attempt", attempt),
			)
			return o.fallback(ctx, store, exp, req)
		}

		if !res.ShouldPersist {
			metrics.RecordResolution(metrics.PathEphemeral)
			return &Resolution{
				IntentID:  req.IntentID,
				VariantID: TempPrefix + req.IntentID,
				Text:      res.Text,
				Path:      metrics.PathEphemeral,
			}, nil
		}

		last := attempt == o.cfg.MaxRetries
		resolution, err := o.admitAndTrack(ctx, store, exp, req, res.Text, last, metrics.PathGenerated)
		if err != nil {
			return nil, err
		}
		if resolution != nil {
			return resolution, nil
		}

		metrics.RecordGeneratorOutcome(metrics.OutcomeDuplicate)
		o.logger.Info("generated duplicate variant, retrying",
			zap.String("intent_id", req.IntentID),
			zap.Int("attempt", attempt),
		)
		genReq = genReq.WithAvoid(res.Text)
	}

	return nil, fmt.Errorf("intent %s after %d attempts: %w", req.IntentID, o.cfg.MaxRetries, ErrInvariantViolation)
}

// fallback stores the base message. It detaches from ctx so a request whose
// deadline ran out during generation still gets its tracking token.
func (o *Orchestrator) fallback(ctx context.Context, store db.Store, exp *db.Experiment, req ResolveRequest) (*Resolution, error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FallbackWriteTimeout)
	defer cancel()
	return o.admitAndTrack(writeCtx, store, exp, req, req.BaseMessage, true, metrics.PathFallback)
}

// generate calls the generator under the configured timeout. Blank output
// counts as a failure.
func (o *Orchestrator) generate(ctx context.Context, req generator.Request) (*generator.Result, error) {
	callCtx := ctx
	if o.cfg.GeneratorTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.cfg.GeneratorTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := o.gen.Generate(callCtx, req)
	if err == nil && (res == nil || strings.TrimSpace(res.Text) == "") {
		err = errors.New("generator returned empty text")
	}
	if err != nil {
		metrics.RecordGeneratorCall(metrics.OutcomeFailure, time.Since(start))
		return nil, err
	}

	outcome := metrics.OutcomeSuccess
	if !res.ShouldPersist {
		outcome = metrics.OutcomeEphemeral
	}
	metrics.RecordGeneratorCall(outcome, time.Since(start))
	return res, nil
}

// admitAndTrack admits text and records an impression in one transaction. When the
// text duplicates an existing variant and acceptDuplicate is false nothing is
// written and both return values are nil.
func (o *Orchestrator) admitAndTrack(ctx context.Context, store db.Store, exp *db.Experiment, req ResolveRequest, text string, acceptDuplicate bool, path string) (*Resolution, error) {
	var (
		variant   *db.Variant
		duplicate bool
		token     string
	)

	err := store.WithTx(ctx, func(tx db.Store) error {
		var err error
		variant, duplicate, err = admit(ctx, tx, exp, req.Locale, text)
		if err != nil {
			return fmt.Errorf("admit variant: %w", err)
		}
		if duplicate && !acceptDuplicate {
			return nil
		}

		imp := &db.Impression{VariantID: variant.ID, UserID: req.UserID}
		if err := tx.CreateImpression(ctx, imp); err != nil {
			return fmt.Errorf("create impression: %w", err)
		}
		token = imp.TrackingToken
		return nil
	})
	if err != nil {
		return nil, err
	}

	if duplicate && !acceptDuplicate {
		return nil, nil
	}

	if duplicate && path == metrics.PathGenerated {
		path = metrics.PathReused
	}
	if !duplicate {
		metrics.RecordVariantCreated()
		o.publish(ctx, exp, variant)
	}
	metrics.RecordResolution(path)

	o.logger.Info("intent resolved",
		zap.String("intent_id", req.IntentID),
		zap.String("variant_id", variant.VariantID),
		zap.String("path", path),
		zap.Bool("new_variant", !duplicate),
	)

	return &Resolution{
		IntentID:      req.IntentID,
		VariantID:     variant.VariantID,
		Text:          variant.Text,
		TrackingToken: token,
		Path:          path,
	}, nil
}

// track records an impression of an existing variant
func (o *Orchestrator) track(ctx context.Context, store db.Store, req ResolveRequest, v *db.Variant, path string) (*Resolution, error) {
	imp := &db.Impression{VariantID: v.ID, UserID: req.UserID}
	err := store.WithTx(ctx, func(tx db.Store) error {
		return tx.CreateImpression(ctx, imp)
	})
	if err != nil {
		return nil, fmt.Errorf("create impression: %w", err)
	}
	metrics.RecordResolution(path)

	return &Resolution{
		IntentID:      req.IntentID,
		VariantID:     v.VariantID,
		Text:          v.Text,
		TrackingToken: imp.TrackingToken,
		Path:          path,
	}, nil
}

func (o *Orchestrator) publish(ctx context.Context, exp *db.Experiment, v *db.Variant) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.VariantCreated(ctx, exp, v); err != nil {
		o.logger.Warn("failed to publish variant created",
			zap.Error(err),
			zap.String("intent_id", exp.IntentID),
			zap.String("variant_id", v.VariantID),
		)
	}
}
