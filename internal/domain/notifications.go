package domain

import "encoding/json"

// Notification topics carried over the store's pub/sub channel. Ping and
// pong topics are per-client and built with PingTopic/PongTopic.
const (
	TopicJobAvailable      = "job-available"
	TopicJobStatusChanged  = "job-status-changed"
	TopicStepStatusChanged = "step-status-changed"
	TopicStepDelayed       = "step-delayed"
)

// PingTopic is the liveness probe topic addressed to one client.
func PingTopic(clientID string) string { return "ping-" + clientID }

// PongTopic is the liveness reply topic addressed to one client.
func PongTopic(clientID string) string { return "pong-" + clientID }

// Envelope is the wire form of a notification: one JSON object per NOTIFY
// payload, dispatched to local subscribers by topic.
type Envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// JobAvailable signals a freshly inserted created job.
type JobAvailable struct {
	JobID string `json:"jobId"`
}

// JobStatusChanged signals a job reaching active or a terminal status.
type JobStatusChanged struct {
	JobID    string    `json:"jobId"`
	Status   JobStatus `json:"status"`
	ClientID string    `json:"clientId,omitempty"`
}

// StepStatusChanged signals a step status transition.
type StepStatusChanged struct {
	JobID    string           `json:"jobId"`
	StepID   string           `json:"stepId"`
	Status   StepStatus       `json:"status"`
	Error    *SerializedError `json:"error,omitempty"`
	ClientID string           `json:"clientId,omitempty"`
}

// StepDelayed signals a step scheduled for a backoff retry.
type StepDelayed struct {
	JobID     string           `json:"jobId"`
	StepID    string           `json:"stepId"`
	DelayedMs int64            `json:"delayedMs"`
	Error     *SerializedError `json:"error,omitempty"`
	ClientID  string           `json:"clientId,omitempty"`
}

// Ping is a liveness probe; the receiver answers on PongTopic(From).
type Ping struct {
	From string `json:"from"`
}

// Pong is the liveness reply.
type Pong struct {
	From string `json:"from"`
}
