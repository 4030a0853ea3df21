package models

import (
	"time"

	"gyrex/internal/state"
)

type JobResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Job is the stored run state of a job inside one runtime context.
type Job struct {
	ID                   string            `json:"id"`
	TypeID               string            `json:"typeId"`
	Parameter            map[string]string `json:"parameter"`
	State                state.JobState    `json:"state"`
	QueueID              string            `json:"queueId"`
	LastTrigger          string            `json:"lastTrigger"`
	ScheduleInfo         string            `json:"scheduleInfo"`
	LastQueued           time.Time         `json:"lastQueued"`
	LastStart            time.Time         `json:"lastStart"`
	LastFinish           time.Time         `json:"lastFinish"`
	LastSuccessfulFinish time.Time         `json:"lastSuccessfulFinish"`
	LastResult           JobResult         `json:"lastResult"`
	ActiveNode           string            `json:"activeNode"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// Clone returns a copy that does not share the parameter map.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Parameter != nil {
		c.Parameter = make(map[string]string, len(j.Parameter))
		for k, v := range j.Parameter {
			c.Parameter[k] = v
		}
	}
	return &c
}

// JobRequest is the payload of a job request message.
type JobRequest struct {
	ContextPath  string            `json:"contextPath"`
	JobID        string            `json:"jobId"`
	JobTypeID    string            `json:"jobTypeId"`
	Parameter    map[string]string `json:"parameter"`
	QueueID      string            `json:"queueId"`
	Trigger      string            `json:"trigger"`
	ScheduleInfo string            `json:"scheduleInfo"`
	QueuedAt     time.Time         `json:"queuedAt"`
}

const JobRequestType = "gyrex.job.request"
