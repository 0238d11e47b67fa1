package queue

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

func TestTagSweepTaskRoundTrip(t *testing.T) {
	payload := TagSweepPayload{
		Reason:      SweepReasonSubmission,
		BatchID:     "batch-123",
		RequestedAt: time.Now().UTC(),
	}

	task, err := NewTagSweepTask(payload)
	if err != nil {
		t.Fatalf("NewTagSweepTask returned error: %v", err)
	}
	if task.Type() != TypeTagSweep {
		t.Fatalf("expected task type %q, got %q", TypeTagSweep, task.Type())
	}

	parsed, err := ParseTagSweepPayload(task)
	if err != nil {
		t.Fatalf("ParseTagSweepPayload returned error: %v", err)
	}
	if parsed.BatchID != payload.BatchID {
		t.Fatalf("expected batch_id %q, got %q", payload.BatchID, parsed.BatchID)
	}
	if parsed.Reason != SweepReasonSubmission {
		t.Fatalf("expected reason %q, got %q", SweepReasonSubmission, parsed.Reason)
	}
}

func TestParseTagSweepPayloadRejectsGarbage(t *testing.T) {
	task := asynq.NewTask(TypeTagSweep, []byte("not json"))
	if _, err := ParseTagSweepPayload(task); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}
