package eventbus

import "time"

const (
	TypeJobQueued     = "job.queued"
	TypeJobCompleted  = "job.completed"
	TypeJobRetrying   = "job.retrying"
	TypeJobFailed     = "job.failed"
	TypeEmailSent     = "email.sent"
	TypeEmailFailed   = "email.failed"
	TypeAdapterReady  = "adapter.ready"
	TypeAdapterFailed = "adapter.failed"
	TypeQueuesClosed  = "queues.closed"
)

// JobEvent describes one job transition on a channel queue.
type JobEvent struct {
	Channel  string    `json:"channel"`
	Queue    string    `json:"queue"`
	JobID    string    `json:"job_id"`
	Adapter  string    `json:"adapter,omitempty"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// AdapterEvent is published when the hub builds (or fails to build) an adapter.
type AdapterEvent struct {
	Adapter  string    `json:"adapter"`
	Strategy string    `json:"strategy,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// DeliveryEvent is published by adapters after a direct transport call.
type DeliveryEvent struct {
	Adapter string    `json:"adapter"`
	To      []string  `json:"to"`
	Subject string    `json:"subject"`
	Took    string    `json:"took"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
