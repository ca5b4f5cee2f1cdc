package types

import "time"

// JobKind identifies which generation pipeline a job runs on the server.
type JobKind string

const (
	KindImageTo3D            JobKind = "image_to_3d"
	KindTextTo3D             JobKind = "text_to_3d"
	KindImageDetailVariation JobKind = "image_detail_variation"
	KindTextDetailVariation  JobKind = "text_detail_variation"
)

// Valid reports whether the kind is one of the supported pipelines.
func (k JobKind) Valid() bool {
	switch k {
	case KindImageTo3D, KindTextTo3D, KindImageDetailVariation, KindTextDetailVariation:
		return true
	}
	return false
}

// JobState represents the lifecycle state of a submitted job.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Active reports whether the job still needs polling.
func (s JobState) Active() bool {
	return s == StatePending || s == StateRunning
}

// CanTransition reports whether the state machine permits moving from one
// state to another. Terminal states admit nothing; a retry creates a new
// record instead of reviving the old one.
func CanTransition(from, to JobState) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	switch from {
	case StatePending:
		return to == StateRunning || to == StateSucceeded || to == StateFailed || to == StateCancelled
	case StateRunning:
		return to == StateSucceeded || to == StateFailed || to == StateCancelled
	}
	return false
}

// JobRecord captures one submitted job: its identity, the parameter snapshot
// it was submitted with, and its current lifecycle state. Records are owned
// by the ledger; callers receive clones.
type JobRecord struct {
	ID        string           `json:"id"`
	Kind      JobKind          `json:"kind"`
	Params    GenerationParams `json:"params"`
	ImageName string           `json:"image_name,omitempty"`
	Prompt    string           `json:"prompt,omitempty"`

	State       JobState `json:"state"`
	Progress    string   `json:"progress,omitempty"`
	Error       *Error   `json:"error,omitempty"`
	ArtifactURL string   `json:"artifact_url,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	RetryCount  int    `json:"retry_count"`
	RetriedFrom string `json:"retried_from,omitempty"`

	// TransientFailures counts consecutive connection-level poll failures.
	// Reset on any successful poll; escalates to Failed at the ceiling.
	TransientFailures int `json:"transient_failures,omitempty"`

	// CancelRequested marks user intent before the server confirms. The
	// record stays in its current state until the cancel is acknowledged.
	CancelRequested bool   `json:"cancel_requested,omitempty"`
	CancelAttempts  int    `json:"cancel_attempts,omitempty"`
	Warning         string `json:"warning,omitempty"`
}

// Clone returns a copy safe to hand outside the ledger.
func (r *JobRecord) Clone() *JobRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Error != nil {
		errCopy := *r.Error
		cp.Error = &errCopy
	}
	return &cp
}
