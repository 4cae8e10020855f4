package domain

import (
	"fmt"

	"github.com/google/uuid"
)

const DefaultMaxRetries = 3

type JobStatus string

const (
	JobWaiting    JobStatus = "WAITING"
	JobScheduled  JobStatus = "SCHEDULED"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
)

func (s JobStatus) IsFinal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

func (s JobStatus) CanRetry() bool {
	return s == JobFailed
}

type JobEvent int

const (
	JobEventSchedule JobEvent = iota
	JobEventStart
	JobEventComplete
	JobEventFail
	JobEventCancel
)

func (e JobEvent) String() string {
	switch e {
	case JobEventSchedule:
		return "schedule"
	case JobEventStart:
		return "start"
	case JobEventComplete:
		return "complete"
	case JobEventFail:
		return "fail"
	case JobEventCancel:
		return "cancel"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Next returns the status after the event and whether the event is allowed from s.
//
// Final statuses end one run. A recurring job starts its next run from COMPLETED,
// a retry starts from FAILED. CANCELLED never moves.
func (s JobStatus) Next(ev JobEvent) (JobStatus, bool) {
	switch ev {
	case JobEventSchedule:
		if s == JobWaiting || s == JobCompleted || s == JobFailed {
			return JobScheduled, true
		}
	case JobEventStart:
		if s == JobWaiting || s == JobScheduled || s == JobCompleted || s == JobFailed {
			return JobProcessing, true
		}
	case JobEventComplete:
		if s == JobProcessing {
			return JobCompleted, true
		}
	case JobEventFail:
		if s == JobProcessing {
			return JobFailed, true
		}
	case JobEventCancel:
		if !s.IsFinal() {
			return JobCancelled, true
		}
	}
	return s, false
}

// JobState tracks the lifecycle of one job. Embed it into job implementations.
// Not safe for concurrent use.
type JobState struct {
	id         uuid.UUID
	name       string
	status     JobStatus
	retryCount int
	maxRetries int
}

func NewJobState(name string, maxRetries int) JobState {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return JobState{
		id:         uuid.New(),
		name:       name,
		status:     JobWaiting,
		maxRetries: maxRetries,
	}
}

func (j *JobState) ID() uuid.UUID     { return j.id }
func (j *JobState) Name() string      { return j.name }
func (j *JobState) Status() JobStatus { return j.status }
func (j *JobState) RetryCount() int   { return j.retryCount }
func (j *JobState) MaxRetries() int   { return j.maxRetries }

// RetriesExhausted is true once the job failed more times in a row than it may retry
func (j *JobState) RetriesExhausted() bool {
	return j.status == JobFailed && j.retryCount > j.maxRetries
}

func (j *JobState) Schedule() error {
	return j.apply(JobEventSchedule)
}

func (j *JobState) Start() error {
	return j.apply(JobEventStart)
}

// Complete finishes the run and resets the retry counter
func (j *JobState) Complete() error {
	if err := j.apply(JobEventComplete); err != nil {
		return err
	}
	j.retryCount = 0
	return nil
}

// Fail finishes the run and counts the failure
func (j *JobState) Fail() error {
	if err := j.apply(JobEventFail); err != nil {
		return err
	}
	j.retryCount++
	return nil
}

func (j *JobState) Cancel() error {
	return j.apply(JobEventCancel)
}

func (j *JobState) apply(ev JobEvent) error {
	next, ok := j.status.Next(ev)
	if !ok {
		return fmt.Errorf("job %s: cannot %s from %s", j.name, ev, j.status)
	}
	j.status = next
	return nil
}
