package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/notifylab/internal/db"
	"github.com/lalithlochan/notifylab/internal/experiment"
	"github.com/lalithlochan/notifylab/internal/sqs"
)

type mockQueue struct {
	mu         sync.Mutex
	batches    [][]sqs.Received
	receiveErr error
	deleted    []string
	visibility map[string]int32
}

func (q *mockQueue) Receive(ctx context.Context, _ int32) ([]sqs.Received, error) {
	q.mu.Lock()
	if q.receiveErr != nil {
		q.mu.Unlock()
		return nil, q.receiveErr
	}
	if len(q.batches) == 0 {
		q.mu.Unlock()
		// stand-in for long polling
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Millisecond):
		}
		return nil, nil
	}
	next := q.batches[0]
	q.batches = q.batches[1:]
	q.mu.Unlock()
	return next, nil
}

func (q *mockQueue) DeleteMessage(_ context.Context, rh string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, rh)
	return nil
}

func (q *mockQueue) ChangeVisibility(_ context.Context, rh string, seconds int32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.visibility == nil {
		q.visibility = map[string]int32{}
	}
	q.visibility[rh] = seconds
	return nil
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, db.Store, []experiment.EventInput) (experiment.IngestResult, error) {
	return experiment.IngestResult{}, errors.New("db unavailable")
}

func seededStore(t *testing.T) (*db.MemoryStore, string) {
	t.Helper()
	ctx := context.Background()
	s := db.NewMemoryStore()

	exp, _, err := s.GetOrCreateExperiment(ctx, &db.Experiment{IntentID: "cart_abandon", BaseMessage: "b", Locale: "en-US"})
	if err != nil {
		t.Fatal(err)
	}
	v := &db.Variant{ExperimentID: exp.ID, Text: "hi", Locale: "en-US"}
	if err := s.CreateVariant(ctx, v); err != nil {
		t.Fatal(err)
	}
	imp := &db.Impression{VariantID: v.ID}
	if err := s.CreateImpression(ctx, imp); err != nil {
		t.Fatal(err)
	}
	return s, imp.TrackingToken
}

func TestProcessMessage_RecordsAndDeletes(t *testing.T) {
	store, token := seededStore(t)
	q := &mockQueue{}
	w := New(q, store, experiment.NewEventRecorder(zap.NewNop()), Config{}, zap.NewNop())

	w.processMessage(context.Background(), sqs.Received{
		ReceiptHandle: "rh-1",
		ReceiveCount:  1,
		Batch: &sqs.EventBatch{BatchID: "b1", Events: []experiment.EventInput{
			{Type: "opened", TrackingToken: token},
			{Type: "opened", TrackingToken: "trk_missing"},
		}},
	})

	if len(q.deleted) != 1 || q.deleted[0] != "rh-1" {
		t.Fatalf("expected message deleted, got %v", q.deleted)
	}

	imp, _ := store.GetImpression(context.Background(), token)
	opens, _ := store.CountEvents(context.Background(), imp.VariantID, db.EventOpened, db.TimeWindow{})
	if opens != 1 {
		t.Errorf("expected 1 open recorded, got %d", opens)
	}
}

func TestProcessMessage_Undecodable(t *testing.T) {
	q := &mockQueue{}
	w := New(q, db.NewMemoryStore(), failingRecorder{}, Config{}, zap.NewNop())

	w.processMessage(context.Background(), sqs.Received{ReceiptHandle: "rh-bad"})

	if len(q.deleted) != 1 || q.deleted[0] != "rh-bad" {
		t.Errorf("expected poison message deleted, got %v", q.deleted)
	}
}

func TestProcessMessage_FailureRetriesThenDrops(t *testing.T) {
	tests := []struct {
		name           string
		receiveCount   int
		wantDeleted    bool
		wantVisibility int32
	}{
		{"first failure", 1, false, 10},
		{"second failure", 2, false, 60},
		{"later failure", 4, false, 300},
		{"max attempts", 5, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &mockQueue{}
			w := New(q, db.NewMemoryStore(), failingRecorder{}, Config{MaxAttempts: 5}, zap.NewNop())

			w.processMessage(context.Background(), sqs.Received{
				ReceiptHandle: "rh",
				ReceiveCount:  tt.receiveCount,
				Batch:         &sqs.EventBatch{BatchID: "b", Events: []experiment.EventInput{{Type: "opened", TrackingToken: "t"}}},
			})

			if deleted := len(q.deleted) == 1; deleted != tt.wantDeleted {
				t.Errorf("deleted = %v, want %v", deleted, tt.wantDeleted)
			}
			if !tt.wantDeleted && q.visibility["rh"] != tt.wantVisibility {
				t.Errorf("visibility = %d, want %d", q.visibility["rh"], tt.wantVisibility)
			}
		})
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	store, token := seededStore(t)
	q := &mockQueue{batches: [][]sqs.Received{{
		{ReceiptHandle: "rh-1", ReceiveCount: 1, Batch: &sqs.EventBatch{BatchID: "b1", Events: []experiment.EventInput{{Type: "conversion", TrackingToken: token}}}},
	}}}
	w := New(q, store, experiment.NewEventRecorder(zap.NewNop()), Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		q.mu.Lock()
		n := len(q.deleted)
		q.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("batch was not processed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestStart_BacksOffOnReceiveError(t *testing.T) {
	q := &mockQueue{receiveErr: errors.New("network")}
	w := New(q, db.NewMemoryStore(), failingRecorder{}, Config{ErrorBackoff: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	w.Start(ctx)
	if time.Since(start) > time.Second {
		t.Error("backoff should end when the context is cancelled")
	}
}

func TestCalculateRetryDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, time.Minute},
		{3, 5 * time.Minute},
		{9, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := calculateRetryDelay(tt.attempt); got != tt.want {
			t.Errorf("calculateRetryDelay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
