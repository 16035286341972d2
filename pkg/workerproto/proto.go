// Package workerproto defines the multiplexed worker protocol from spec
// §4.6: one bidirectional stream per worker carrying heartbeat, command,
// and log sub-channels as distinct frame types. Transport is real
// google.golang.org/grpc streaming; payloads are plain Go structs encoded
// with the package's jsoncodec rather than generated protobuf code, since
// this module has no protoc toolchain available to generate honest
// descriptor-backed message types.
package workerproto

import "time"

// WorkerState is the liveness state a worker reports in its heartbeat.
type WorkerState string

const (
	WorkerReady WorkerState = "ready"
	WorkerBusy  WorkerState = "busy"
)

// Heartbeat is broadcast by a worker every heartbeat interval (and
// immediately, out of band, on a Busy→Ready transition).
type Heartbeat struct {
	Endpoint string      `json:"endpoint"`
	OS       string      `json:"os"`
	Target   string      `json:"target"`
	State    WorkerState `json:"state"`
}

// Outcome mirrors scheduler.Outcome on the wire; kept as a distinct type so
// the protocol package has no dependency on the scheduler package.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
)

// StartJob is sent scheduler→worker on the command sub-channel.
type StartJob struct {
	JobID        string   `json:"job_id"`
	Target       string   `json:"target"`
	ManifestNode string   `json:"manifest_node"`
	Channel      string   `json:"channel"`
	FeatureFlags []string `json:"feature_flags,omitempty"`
}

// StartJobResponse is the worker's Ack|Reject reply. cmd/forge-worker always
// replies Accepted, even while Busy, and Manager does not act on the reply:
// a Reject does not requeue the job.
type StartJobResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// CancelJob is sent scheduler→worker on the command sub-channel.
type CancelJob struct {
	JobID       string        `json:"job_id"`
	GracePeriod time.Duration `json:"grace_period"`
}

// CancelJobResponse acknowledges receipt; the final outcome still arrives
// later via JobComplete.
type CancelJobResponse struct {
	Acked bool `json:"acked"`
}

// JobComplete is sent worker→scheduler on the command sub-channel once a
// dispatched job reaches a terminal outcome.
type JobComplete struct {
	JobID   string  `json:"job_id"`
	Outcome Outcome `json:"outcome"`
	AsBuilt string  `json:"as_built,omitempty"`
}

// JobCompleteAck is the scheduler's reply to JobComplete. cmd/forge-worker
// does not wait for it: it reports Ready again as soon as it has sent
// JobComplete.
type JobCompleteAck struct{}

// LogLine is sent worker→scheduler on the log sub-channel; bytes are
// appended verbatim to the per-job log.
type LogLine struct {
	JobID string `json:"job_id"`
	Bytes []byte `json:"bytes"`
}

// LogComplete signals end of stream for a job's log.
type LogComplete struct {
	JobID string `json:"job_id"`
}

// FrameType tags which payload a Frame carries, since the wire format is one
// multiplexed stream rather than three separate sockets.
type FrameType string

const (
	FrameHeartbeat         FrameType = "heartbeat"
	FrameStartJob          FrameType = "start_job"
	FrameStartJobResponse  FrameType = "start_job_response"
	FrameCancelJob         FrameType = "cancel_job"
	FrameCancelJobResponse FrameType = "cancel_job_response"
	FrameJobComplete       FrameType = "job_complete"
	FrameJobCompleteAck    FrameType = "job_complete_ack"
	FrameLogLine           FrameType = "log_line"
	FrameLogComplete       FrameType = "log_complete"
)

// Frame is the single envelope multiplexed over the worker stream. Exactly
// one of the payload fields is populated, matching FrameType.
type Frame struct {
	Type FrameType `json:"type"`

	Heartbeat         *Heartbeat         `json:"heartbeat,omitempty"`
	StartJob          *StartJob          `json:"start_job,omitempty"`
	StartJobResponse  *StartJobResponse  `json:"start_job_response,omitempty"`
	CancelJob         *CancelJob         `json:"cancel_job,omitempty"`
	CancelJobResponse *CancelJobResponse `json:"cancel_job_response,omitempty"`
	JobComplete       *JobComplete       `json:"job_complete,omitempty"`
	JobCompleteAck    *JobCompleteAck    `json:"job_complete_ack,omitempty"`
	LogLine           *LogLine           `json:"log_line,omitempty"`
	LogComplete       *LogComplete       `json:"log_complete,omitempty"`
}
