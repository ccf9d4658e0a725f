package event

import "time"

// Dead-letter reasons carried on FailedRecord and used as the final
// token of the publish subject.
const (
	ReasonRejected       = "rejected"
	ReasonRetryExhausted = "retry_exhausted"
)

// FailedRecord wraps a record the pipeline could not deliver, with
// enough context to replay or diagnose it later.
type FailedRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	Record      Record    `json:"record"`
	Error       string    `json:"error"`
	Reason      string    `json:"reason"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
}
