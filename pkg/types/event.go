package types

import "time"

type EventType string

const (
	EventVMCreateFailed EventType = "VMCreateFailed"
	EventTestFailed     EventType = "TestFailed"
	EventTestSkipped    EventType = "TestSkipped"
	EventDeleteFailed   EventType = "DeleteFailed"
	EventJoinTimeout    EventType = "JoinTimeout"
)

type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"ts"`
	RunID     string            `json:"run_id,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Details   map[string]any    `json:"details,omitempty"`
}
