package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"gyrex/custom_errors"
	"gyrex/internal/schedule"
)

// ScheduleFile is the YAML layout accepted by `schedules apply`. Omitted enabled flags
// default to true, omitted time zones and contexts to the schedule defaults.
type ScheduleFile struct {
	Schedules []ScheduleSpec `yaml:"schedules"`
}

type ScheduleSpec struct {
	ID          string      `yaml:"id"`
	Enabled     *bool       `yaml:"enabled"`
	QueueID     string      `yaml:"queueId"`
	TimeZone    string      `yaml:"timeZone"`
	ContextPath string      `yaml:"contextPath"`
	Entries     []EntrySpec `yaml:"entries"`
}

type EntrySpec struct {
	ID           string            `yaml:"id"`
	JobID        string            `yaml:"jobId"`
	JobTypeID    string            `yaml:"jobTypeId"`
	Cron         string            `yaml:"cron"`
	Parameter    map[string]string `yaml:"parameter"`
	Enabled      *bool             `yaml:"enabled"`
	TriggerAfter []string          `yaml:"triggerAfter"`
}

func enabled(b *bool) bool {
	return b == nil || *b
}

func (s ScheduleSpec) Schedule() *schedule.Schedule {
	sched := schedule.New(s.ID)
	sched.Enabled = enabled(s.Enabled)
	sched.QueueID = s.QueueID
	if s.TimeZone != "" {
		sched.TimeZone = s.TimeZone
	}
	if s.ContextPath != "" {
		sched.ContextPath = s.ContextPath
	}
	for _, e := range s.Entries {
		sched.Entries = append(sched.Entries, schedule.Entry{
			ID:           e.ID,
			JobID:        e.JobID,
			JobTypeID:    e.JobTypeID,
			Cron:         e.Cron,
			Parameter:    e.Parameter,
			Enabled:      enabled(e.Enabled),
			TriggerAfter: e.TriggerAfter,
		})
	}
	return sched
}

// ParseScheduleFile decodes and validates every schedule in data. Unknown keys are
// rejected; all validation problems are reported together.
func ParseScheduleFile(data []byte) ([]*schedule.Schedule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f ScheduleFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("schedule file is empty")
		}
		return nil, fmt.Errorf("failed to parse schedule file: %w", err)
	}

	validation := &custom_errors.ValidationError{}
	seen := make(map[string]bool, len(f.Schedules))
	schedules := make([]*schedule.Schedule, 0, len(f.Schedules))
	for _, spec := range f.Schedules {
		if seen[spec.ID] {
			validation.Add(fmt.Errorf("schedule %q is defined twice", spec.ID))
			continue
		}
		seen[spec.ID] = true

		sched := spec.Schedule()
		if err := sched.Validate(); err != nil {
			validation.Add(fmt.Errorf("schedule %q: %w", spec.ID, err))
			continue
		}
		schedules = append(schedules, sched)
	}
	if validation.HasError() {
		return nil, validation
	}
	return schedules, nil
}
