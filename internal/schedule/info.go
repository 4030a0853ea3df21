package schedule

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidInfo = errors.New("invalid schedule info")

// Info records which schedule entry queued a job and the entries to trigger once that
// job finished successfully. It is encoded as "scheduleId,entryId[,next...]" so a
// worker can continue the chain without knowing the schedule.
type Info struct {
	ScheduleID string
	EntryID    string
	Next       []string

	// TriggeredBy names the entry whose completion queued the job. It only feeds the
	// trigger description and is not encoded.
	TriggeredBy string
}

func (i Info) String() string {
	parts := append([]string{i.ScheduleID, i.EntryID}, i.Next...)
	return strings.Join(parts, ",")
}

func ParseInfo(s string) (Info, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Info{}, fmt.Errorf("%w: %q", ErrInvalidInfo, s)
	}
	info := Info{ScheduleID: parts[0], EntryID: parts[1]}
	for _, next := range parts[2:] {
		if next == "" {
			return Info{}, fmt.Errorf("%w: %q", ErrInvalidInfo, s)
		}
		info.Next = append(info.Next, next)
	}
	return info, nil
}

// WithNext returns i listing the enabled entries of sched chained after its entry.
func (i Info) WithNext(sched *Schedule) Info {
	i.Next = nil
	for _, e := range sched.TriggeredAfter(i.EntryID) {
		if e.Enabled {
			i.Next = append(i.Next, e.ID)
		}
	}
	return i
}

// Chain returns the info of entryID triggered by the completion of the entry of i.
func (i Info) Chain(entryID string) Info {
	return Info{ScheduleID: i.ScheduleID, EntryID: entryID, TriggeredBy: i.EntryID}
}

// Trigger describes why the job was queued.
func (i Info) Trigger() string {
	if i.TriggeredBy == "" {
		return fmt.Sprintf("schedule '%s' entry '%s'", i.ScheduleID, i.EntryID)
	}
	return fmt.Sprintf("triggered after %s in schedule '%s'", i.TriggeredBy, i.ScheduleID)
}
