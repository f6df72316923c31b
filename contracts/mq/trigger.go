package mq

import "time"

const (
	RoutingKeyTriggerCreated = "trigger.created"
)

// TriggerCreatedPayload trigger 创建事件的 payload
type TriggerCreatedPayload struct {
	TriggerID string    `json:"trigger_id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	TraceID   string    `json:"trace_id,omitempty"`
}
