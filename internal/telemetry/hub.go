// Package telemetry provides in-process pub/sub for execution lifecycle
// events. Publishers never block: slow subscribers lose events rather than
// stalling the engine.
package telemetry

import (
	"context"
	"time"
)

// Event is one execution lifecycle notification.
type Event struct {
	ExecutionID string    `json:"execution_id"`
	StepID      string    `json:"step_id,omitempty"`
	Type        string    `json:"type"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Filter specifies which events a subscriber wants to receive.
type Filter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// Hub provides pub/sub for execution events.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
