// Package generator defines the contract for producing candidate message
// texts and the transports that implement it.
package generator

import (
	"context"
	"errors"
	"time"
)

// AvoidKey is the context entry carrying text the generator must not repeat
const AvoidKey = "avoid_message"

var (
	// ErrUnavailable is returned when no generator is configured
	ErrUnavailable = errors.New("generator unavailable")
	// ErrThrottled is returned when the local call budget is exhausted
	ErrThrottled = errors.New("generator throttled")
)

// Request is what the resolver sends to a generator
type Request struct {
	IntentID    string            `json:"intent_id"`
	Locale      string            `json:"locale"`
	Context     map[string]string `json:"context"`
	BaseMessage string            `json:"base_message"`
	Timestamp   *time.Time        `json:"timestamp,omitempty"`
}

// WithAvoid returns a copy of r whose context tells the generator not to
// produce text again. The original context map is left untouched.
func (r Request) WithAvoid(text string) Request {
	ctx := make(map[string]string, len(r.Context)+1)
	for k, v := range r.Context {
		ctx[k] = v
	}
	ctx[AvoidKey] = text
	r.Context = ctx
	return r
}

// Result is a generated message. ShouldPersist false marks a preview that
// must not be stored or tracked.
type Result struct {
	Text          string `json:"text"`
	ShouldPersist bool   `json:"should_persist"`
}

// Generator produces one candidate text for a request
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a function to the Generator interface
type Func func(ctx context.Context, req Request) (*Result, error)

// Generate calls f
func (f Func) Generate(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// Disabled always fails, which makes every exploration fall back to the base message
type Disabled struct{}

// Generate returns ErrUnavailable
func (Disabled) Generate(context.Context, Request) (*Result, error) {
	return nil, ErrUnavailable
}
