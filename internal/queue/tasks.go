package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeTagSweep = "tagging:sweep"

const (
	SweepReasonSubmission = "submission"
	SweepReasonScheduled  = "scheduled"
)

// TagSweepPayload asks the poller to re-sync the tracked-batch registry
// and run an immediate reconciliation tick. Reason distinguishes the
// post-submission fast path from the scheduled fallback sweep.
type TagSweepPayload struct {
	Reason      string    `json:"reason"`
	BatchID     string    `json:"batch_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewTagSweepTask(payload TagSweepPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal sweep payload: %w", err)
	}
	return asynq.NewTask(TypeTagSweep, body), nil
}

func ParseTagSweepPayload(task *asynq.Task) (TagSweepPayload, error) {
	var payload TagSweepPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return TagSweepPayload{}, fmt.Errorf("unmarshal sweep payload: %w", err)
	}
	return payload, nil
}
