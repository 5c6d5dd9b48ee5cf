package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository is the Postgres implementation of Store
type Repository struct {
	db     *DB
	q      querier
	inTx   bool
	logger *zap.Logger
}

var _ Store = (*Repository)(nil)

// NewRepository creates a repository backed by the pool
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		q:      db.Pool(),
		logger: logger,
	}
}

// WithTx runs fn inside a transaction. Nested calls reuse the outer one.
func (r *Repository) WithTx(ctx context.Context, fn func(Store) error) error {
	if r.inTx {
		return fn(r)
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&Repository{db: r.db, q: tx, inTx: true, logger: r.logger}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const experimentColumns = `id, intent_id, base_message, locale, status, created_at, updated_at`

func scanExperiment(row pgx.Row) (*Experiment, error) {
	var e Experiment
	err := row.Scan(&e.ID, &e.IntentID, &e.BaseMessage, &e.Locale, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetOrCreateExperiment inserts the experiment and falls back to reading the
// existing row when the intent_id unique constraint rejects the insert
func (r *Repository) GetOrCreateExperiment(ctx context.Context, e *Experiment) (*Experiment, bool, error) {
	status := e.Status
	if status == "" {
		status = ExperimentActive
	}

	query := `
		INSERT INTO experiments (intent_id, base_message, locale, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (intent_id) DO NOTHING
		RETURNING ` + experimentColumns

	created, err := scanExperiment(r.q.QueryRow(ctx, query, e.IntentID, e.BaseMessage, e.Locale, status))
	if err == nil {
		r.logger.Info("experiment created",
			zap.String("intent_id", created.IntentID),
			zap.String("locale", created.Locale),
		)
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		r.logger.Error("failed to create experiment",
			zap.Error(err),
			zap.String("intent_id", e.IntentID),
		)
		return nil, false, fmt.Errorf("insert experiment: %w", err)
	}

	existing, err := r.GetExperiment(ctx, e.IntentID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetExperiment retrieves an experiment by intent id
func (r *Repository) GetExperiment(ctx context.Context, intentID string) (*Experiment, error) {
	query := `SELECT ` + experimentColumns + ` FROM experiments WHERE intent_id = $1`

	e, err := scanExperiment(r.q.QueryRow(ctx, query, intentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("experiment %s: %w", intentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query experiment: %w", err)
	}
	return e, nil
}

// ListExperiments returns experiments newest first
func (r *Repository) ListExperiments(ctx context.Context, limit, offset int) ([]*Experiment, error) {
	query := `
		SELECT ` + experimentColumns + `
		FROM experiments
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.q.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query experiments: %w", err)
	}
	defer rows.Close()

	var experiments []*Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		experiments = append(experiments, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return experiments, nil
}

// UpdateExperimentStatus changes the lifecycle state of an experiment
func (r *Repository) UpdateExperimentStatus(ctx context.Context, intentID string, status ExperimentStatus) (*Experiment, error) {
	query := `
		UPDATE experiments
		SET status = $1, updated_at = NOW()
		WHERE intent_id = $2
		RETURNING ` + experimentColumns

	e, err := scanExperiment(r.q.QueryRow(ctx, query, status, intentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("experiment %s: %w", intentID, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to update experiment status",
			zap.Error(err),
			zap.String("intent_id", intentID),
		)
		return nil, fmt.Errorf("update experiment status: %w", err)
	}

	r.logger.Info("experiment status updated",
		zap.String("intent_id", intentID),
		zap.String("status", string(status)),
	)
	return e, nil
}

// ListVariants returns the variants of an experiment, optionally filtered by locale
func (r *Repository) ListVariants(ctx context.Context, experimentID int64, locale string) ([]*Variant, error) {
	query := `
		SELECT id, variant_id, experiment_id, text, locale, weight, created_at
		FROM variants
		WHERE experiment_id = $1 AND ($2 = '' OR locale = $2)
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.q.Query(ctx, query, experimentID, locale)
	if err != nil {
		return nil, fmt.Errorf("query variants: %w", err)
	}
	defer rows.Close()

	var variants []*Variant
	for rows.Next() {
		var v Variant
		if err := rows.Scan(&v.ID, &v.VariantID, &v.ExperimentID, &v.Text, &v.Locale, &v.Weight, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		variants = append(variants, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return variants, nil
}

// CreateVariant inserts a new variant and fills in its generated fields
func (r *Repository) CreateVariant(ctx context.Context, v *Variant) error {
	if v.VariantID == "" {
		v.VariantID = NewVariantID()
	}
	if v.Weight == 0 {
		v.Weight = 1
	}

	query := `
		INSERT INTO variants (variant_id, experiment_id, text, locale, weight)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := r.q.QueryRow(ctx, query, v.VariantID, v.ExperimentID, v.Text, v.Locale, v.Weight).
		Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		r.logger.Error("failed to create variant",
			zap.Error(err),
			zap.String("variant_id", v.VariantID),
		)
		return fmt.Errorf("insert variant: %w", err)
	}
	return nil
}

// VariantCounts returns every variant for the experiment/locale with the
// number of impressions and the number of impressions carrying a reward event
func (r *Repository) VariantCounts(ctx context.Context, experimentID int64, locale string, reward EventType) ([]VariantCounts, error) {
	query := `
		SELECT
			v.id, v.variant_id, v.experiment_id, v.text, v.locale, v.weight, v.created_at,
			COUNT(DISTINCT i.id) AS sent,
			COUNT(DISTINCT e.tracking_token) AS rewards
		FROM variants v
		LEFT JOIN impressions i ON i.variant_id = v.id
		LEFT JOIN events e ON e.tracking_token = i.tracking_token AND e.event_type = $3
		WHERE v.experiment_id = $1 AND ($2 = '' OR v.locale = $2)
		GROUP BY v.id
		ORDER BY v.created_at ASC, v.id ASC
	`

	rows, err := r.q.Query(ctx, query, experimentID, locale, reward)
	if err != nil {
		return nil, fmt.Errorf("query variant counts: %w", err)
	}
	defer rows.Close()

	var counts []VariantCounts
	for rows.Next() {
		var v Variant
		var c VariantCounts
		err := rows.Scan(
			&v.ID, &v.VariantID, &v.ExperimentID, &v.Text, &v.Locale, &v.Weight, &v.CreatedAt,
			&c.Sent, &c.Rewards,
		)
		if err != nil {
			return nil, fmt.Errorf("scan variant counts: %w", err)
		}
		c.Variant = &v
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return counts, nil
}

// CreateImpression inserts an impression, generating its tracking token
func (r *Repository) CreateImpression(ctx context.Context, imp *Impression) error {
	if imp.TrackingToken == "" {
		imp.TrackingToken = NewTrackingToken()
	}

	query := `
		INSERT INTO impressions (tracking_token, variant_id, user_id)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`

	err := r.q.QueryRow(ctx, query, imp.TrackingToken, imp.VariantID, imp.UserID).Scan(&imp.ID, &imp.CreatedAt)
	if err != nil {
		r.logger.Error("failed to create impression",
			zap.Error(err),
			zap.Int64("variant_id", imp.VariantID),
		)
		return fmt.Errorf("insert impression: %w", err)
	}
	return nil
}

// GetImpression retrieves an impression by tracking token
func (r *Repository) GetImpression(ctx context.Context, trackingToken string) (*Impression, error) {
	query := `
		SELECT id, tracking_token, variant_id, user_id, created_at
		FROM impressions
		WHERE tracking_token = $1
	`

	var imp Impression
	err := r.q.QueryRow(ctx, query, trackingToken).
		Scan(&imp.ID, &imp.TrackingToken, &imp.VariantID, &imp.UserID, &imp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("impression %s: %w", trackingToken, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query impression: %w", err)
	}
	return &imp, nil
}

// CreateEvent inserts an event for an existing impression
func (r *Repository) CreateEvent(ctx context.Context, ev *Event) error {
	props := ev.Properties
	if props == nil {
		props = map[string]string{}
	}

	query := `
		INSERT INTO events (tracking_token, event_type, properties, occurred_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	err := r.q.QueryRow(ctx, query, ev.TrackingToken, ev.Type, props, ev.OccurredAt).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// windowCond appends the impression time bounds of w to args and returns the
// matching SQL condition
func windowCond(w TimeWindow, args []any) (string, []any) {
	cond := ""
	if w.From != nil {
		args = append(args, *w.From)
		cond += fmt.Sprintf(" AND i.created_at >= $%d", len(args))
	}
	if w.To != nil {
		args = append(args, *w.To)
		cond += fmt.Sprintf(" AND i.created_at <= $%d", len(args))
	}
	return cond, args
}

// CountImpressions counts a variant's impressions inside the window
func (r *Repository) CountImpressions(ctx context.Context, variantID int64, w TimeWindow) (int64, error) {
	cond, args := windowCond(w, []any{variantID})
	query := `SELECT COUNT(*) FROM impressions i WHERE i.variant_id = $1` + cond

	var n int64
	if err := r.q.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count impressions: %w", err)
	}
	return n, nil
}

// CountEvents counts events of type t whose impression belongs to the variant and window
func (r *Repository) CountEvents(ctx context.Context, variantID int64, t EventType, w TimeWindow) (int64, error) {
	cond, args := windowCond(w, []any{variantID, t})
	query := `
		SELECT COUNT(*)
		FROM events e
		JOIN impressions i ON i.tracking_token = e.tracking_token
		WHERE i.variant_id = $1 AND e.event_type = $2` + cond

	var n int64
	if err := r.q.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// CreateAPIKey stores a hashed API key
func (r *Repository) CreateAPIKey(ctx context.Context, k *APIKey) error {
	query := `
		INSERT INTO api_keys (name, prefix, key_hash)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`

	if err := r.q.QueryRow(ctx, query, k.Name, k.Prefix, k.Hash).Scan(&k.ID, &k.CreatedAt); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKeyByPrefix returns the active key with the given lookup prefix
func (r *Repository) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	query := `
		SELECT id, name, prefix, key_hash, created_at, revoked_at
		FROM api_keys
		WHERE prefix = $1 AND revoked_at IS NULL
	`

	var k APIKey
	err := r.q.QueryRow(ctx, query, prefix).
		Scan(&k.ID, &k.Name, &k.Prefix, &k.Hash, &k.CreatedAt, &k.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("api key %s: %w", prefix, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}
	return &k, nil
}
