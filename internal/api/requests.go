package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lalithlochan/notifylab/internal/db"
	"github.com/lalithlochan/notifylab/internal/experiment"
)

var validate = newValidator()

// newValidator reports fields by their JSON names
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// MessageRequest is the body of POST /v1/message
type MessageRequest struct {
	IntentID    string            `json:"intent_id" validate:"required,max=128"`
	BaseMessage string            `json:"base_message" validate:"required,max=1000"`
	Locale      string            `json:"locale" validate:"omitempty,max=16"`
	UserID      *string           `json:"user_id,omitempty" validate:"omitempty,max=256"`
	Context     map[string]string `json:"context,omitempty" validate:"max=32"`
	Timestamp   *time.Time        `json:"timestamp,omitempty"`

	// BaseExample is accepted from older SDKs that predate base_message
	BaseExample string `json:"base_example,omitempty"`
}

func (m *MessageRequest) normalize() {
	if m.BaseMessage == "" {
		m.BaseMessage = m.BaseExample
	}
	m.IntentID = strings.TrimSpace(m.IntentID)
	m.BaseMessage = strings.TrimSpace(m.BaseMessage)
	m.Locale = strings.TrimSpace(m.Locale)
}

func (m *MessageRequest) toResolve() experiment.ResolveRequest {
	return experiment.ResolveRequest{
		IntentID:    m.IntentID,
		Locale:      m.Locale,
		Context:     m.Context,
		BaseMessage: m.BaseMessage,
		UserID:      m.UserID,
		Timestamp:   m.Timestamp,
	}
}

type eventBatch struct {
	Events []experiment.EventInput `json:"events" validate:"max=1000"`
}

// StatusRequest is the body of PATCH /v1/experiments/{intent_id}/status
type StatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active paused archived"`
}

// validationDetail renders validator errors as a single client-facing line
func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s exceeds the maximum of %s", field, fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// parseDate accepts RFC 3339 timestamps and YYYY-MM-DD dates. A bare date
// used as an upper bound covers the whole day.
func parseDate(raw string, upper bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, fmt.Errorf("%q is not an RFC 3339 timestamp or YYYY-MM-DD date", raw)
	}
	if upper {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

// VariantSummary is one row of GET /v1/intents/{intent_id}/variants
type VariantSummary struct {
	VariantID string    `json:"variant_id"`
	Text      string    `json:"text"`
	Locale    string    `json:"locale"`
	Sent      int64     `json:"sent"`
	Rewards   int64     `json:"rewards"`
	CreatedAt time.Time `json:"created_at"`
}

func summarize(counts []db.VariantCounts) []VariantSummary {
	out := make([]VariantSummary, len(counts))
	for i, c := range counts {
		out[i] = VariantSummary{
			VariantID: c.Variant.VariantID,
			Text:      c.Variant.Text,
			Locale:    c.Variant.Locale,
			Sent:      c.Sent,
			Rewards:   c.Rewards,
			CreatedAt: c.Variant.CreatedAt,
		}
	}
	return out
}
