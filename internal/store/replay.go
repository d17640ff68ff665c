package store

import (
	"context"
	"fmt"

	"github.com/skein-dev/skein/pkg/schema"
)

// ReplayStepRecords rebuilds per-step state from the audit event stream.
// It verifies sequence contiguity first; a gap means the log was truncated
// and replay would silently lose history.
func ReplayStepRecords(ctx context.Context, s Store, executionID string) (map[string]*StepRecord, error) {
	events, err := s.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	records := make(map[string]*StepRecord)
	for _, e := range events {
		if e.StepID == "" {
			continue
		}

		rec, ok := records[e.StepID]
		if !ok {
			rec = &StepRecord{
				ExecutionID: executionID,
				StepID:      e.StepID,
				Status:      schema.StepStatusPending,
			}
			records[e.StepID] = rec
		}

		switch e.Type {
		case schema.EventStepStarted:
			rec.Status = schema.StepStatusRunning
			ts := e.Timestamp
			rec.StartedAt = &ts

		case schema.EventStepCompleted:
			rec.Status = schema.StepStatusCompleted
			ts := e.Timestamp
			rec.CompletedAt = &ts
			rec.Output = e.Payload
			if rec.StartedAt != nil {
				rec.DurationMs = ts.Sub(*rec.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			rec.Status = schema.StepStatusFailed
			rec.Error = e.Payload

		case schema.EventStepSkipped:
			rec.Status = schema.StepStatusSkipped

		case schema.EventStepRetrying:
			rec.Status = schema.StepStatusRetrying
			rec.Attempts++

		case schema.EventStepWaiting, schema.EventApprovalRequested:
			rec.Status = schema.StepStatusWaiting
		}
	}
	return records, nil
}
