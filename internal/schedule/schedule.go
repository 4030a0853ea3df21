package schedule

import (
	"errors"
	"fmt"
	"time"

	"gyrex/custom_errors"
	"gyrex/internal/constants"
	"gyrex/internal/models"
)

var ErrScheduleNotFound = errors.New("schedule not found")

// Entry is one trigger of a schedule. An entry fires on its cron expression, after
// any of the entries listed in TriggerAfter finished successfully, or both.
type Entry struct {
	ID           string            `yaml:"id" json:"id"`
	JobID        string            `yaml:"jobId,omitempty" json:"jobId,omitempty"`
	JobTypeID    string            `yaml:"jobTypeId" json:"jobTypeId"`
	Cron         string            `yaml:"cron,omitempty" json:"cron,omitempty"`
	Parameter    map[string]string `yaml:"parameter,omitempty" json:"parameter,omitempty"`
	Enabled      bool              `yaml:"enabled" json:"enabled"`
	TriggerAfter []string          `yaml:"triggerAfter,omitempty" json:"triggerAfter,omitempty"`
}

// EffectiveJobID is the id of the job the entry runs.
func (e Entry) EffectiveJobID(scheduleID string) string {
	if e.JobID != "" {
		return e.JobID
	}
	return scheduleID + "_" + e.ID
}

type Schedule struct {
	ID          string  `yaml:"id" json:"id"`
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	QueueID     string  `yaml:"queueId,omitempty" json:"queueId,omitempty"`
	TimeZone    string  `yaml:"timeZone,omitempty" json:"timeZone,omitempty"`
	ContextPath string  `yaml:"contextPath,omitempty" json:"contextPath,omitempty"`
	Entries     []Entry `yaml:"entries" json:"entries"`
}

func New(id string) *Schedule {
	return &Schedule{
		ID:          id,
		Enabled:     true,
		TimeZone:    constants.DefaultTimeZone,
		ContextPath: constants.DefaultContext,
	}
}

// WorkingCopy returns a deep copy that can be modified and saved without affecting s.
func (s *Schedule) WorkingCopy() *Schedule {
	c := *s
	c.Entries = make([]Entry, len(s.Entries))
	for i, e := range s.Entries {
		c.Entries[i] = e
		if e.Parameter != nil {
			c.Entries[i].Parameter = make(map[string]string, len(e.Parameter))
			for k, v := range e.Parameter {
				c.Entries[i].Parameter[k] = v
			}
		}
		c.Entries[i].TriggerAfter = append([]string(nil), e.TriggerAfter...)
	}
	return &c
}

func (s *Schedule) Entry(id string) (*Entry, bool) {
	for i := range s.Entries {
		if s.Entries[i].ID == id {
			return &s.Entries[i], true
		}
	}
	return nil, false
}

// AddEntry appends e; entries are enabled unless configured otherwise by the caller.
func (s *Schedule) AddEntry(e Entry) error {
	if _, exists := s.Entry(e.ID); exists {
		return fmt.Errorf("schedule %s: duplicate entry %s", s.ID, e.ID)
	}
	s.Entries = append(s.Entries, e)
	return nil
}

func (s *Schedule) RemoveEntry(id string) bool {
	for i := range s.Entries {
		if s.Entries[i].ID == id {
			s.Entries = append(s.Entries[:i], s.Entries[i+1:]...)
			return true
		}
	}
	return false
}

// TriggeredAfter returns the entries chained to run after entryID.
func (s *Schedule) TriggeredAfter(entryID string) []Entry {
	var chained []Entry
	for _, e := range s.Entries {
		for _, after := range e.TriggerAfter {
			if after == entryID {
				chained = append(chained, e)
				break
			}
		}
	}
	return chained
}

func (s *Schedule) QueueOrDefault() string {
	if s.QueueID == "" {
		return constants.DefaultQueueID
	}
	return s.QueueID
}

func (s *Schedule) ContextOrDefault() string {
	if s.ContextPath == "" {
		return constants.DefaultContext
	}
	return s.ContextPath
}

func (s *Schedule) Location() (*time.Location, error) {
	if s.TimeZone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.TimeZone)
}

// Validate reports every problem of the schedule at once.
func (s *Schedule) Validate() error {
	errs := &custom_errors.ValidationError{}

	if !models.ValidID(s.ID) {
		errs.Add(fmt.Errorf("invalid schedule id %q", s.ID))
	}
	if s.QueueID != "" && !models.ValidID(s.QueueID) {
		errs.Add(fmt.Errorf("invalid queue id %q", s.QueueID))
	}
	loc, err := s.Location()
	if err != nil {
		errs.Add(fmt.Errorf("invalid time zone %q: %w", s.TimeZone, err))
		loc = time.UTC
	}

	ids := make(map[string]bool, len(s.Entries))
	for _, e := range s.Entries {
		if !models.ValidID(e.ID) {
			errs.Add(fmt.Errorf("invalid entry id %q", e.ID))
		}
		if ids[e.ID] {
			errs.Add(fmt.Errorf("duplicate entry id %q", e.ID))
		}
		ids[e.ID] = true

		if e.JobTypeID == "" {
			errs.Add(fmt.Errorf("entry %s: job type is required", e.ID))
		}
		if e.Cron == "" && len(e.TriggerAfter) == 0 {
			errs.Add(fmt.Errorf("entry %s: needs a cron expression or trigger-after entries", e.ID))
		}
		if e.Cron != "" {
			if _, err := ParseCron(e.Cron, loc); err != nil {
				errs.Add(fmt.Errorf("entry %s: %w", e.ID, err))
			}
		}
	}

	for _, e := range s.Entries {
		for _, after := range e.TriggerAfter {
			if after == e.ID {
				errs.Add(fmt.Errorf("entry %s: cannot trigger after itself", e.ID))
			} else if !ids[after] {
				errs.Add(fmt.Errorf("entry %s: trigger-after entry %q does not exist", e.ID, after))
			}
		}
	}
	if cycle := s.findCycle(); cycle != nil {
		errs.Add(fmt.Errorf("trigger-after cycle: %v", cycle))
	}

	if errs.HasError() {
		return errs
	}
	return nil
}

// findCycle returns the entries of a cycle in the trigger-after graph, if any.
// Self references are reported separately and skipped here.
func (s *Schedule) findCycle() []string {
	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int, len(s.Entries))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		marks[id] = visiting
		stack = append(stack, id)
		e, _ := s.Entry(id)
		for _, after := range e.TriggerAfter {
			if after == id {
				continue
			}
			if _, ok := s.Entry(after); !ok {
				continue
			}
			switch marks[after] {
			case visiting:
				for i, v := range stack {
					if v == after {
						cycle = append(append([]string(nil), stack[i:]...), after)
						break
					}
				}
				return true
			case unvisited:
				if visit(after) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		marks[id] = done
		return false
	}

	for _, e := range s.Entries {
		if marks[e.ID] == unvisited && visit(e.ID) {
			return cycle
		}
	}
	return nil
}
