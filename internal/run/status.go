package run

import "strings"

// Status is the lifecycle state of a run. The string form is what gets
// written back to the table of record.
type Status string

const (
	StatusNew         Status = "new"
	StatusPrepared    Status = "prepared"
	StatusPostponed   Status = "postponed"
	StatusStarted     Status = "started"
	StatusStartedSWMR Status = "started_swmr"
)

// ParseStatus maps a free-form table cell to a status. Blank cells mean new;
// unknown values map to "".
func ParseStatus(value string) Status {
	v := strings.ToLower(strings.TrimSpace(value))
	v = strings.NewReplacer(" ", "_", "-", "_", "(", "", ")", "").Replace(v)
	switch v {
	case "", string(StatusNew):
		return StatusNew
	case string(StatusPrepared):
		return StatusPrepared
	case string(StatusPostponed):
		return StatusPostponed
	case string(StatusStarted):
		return StatusStarted
	case string(StatusStartedSWMR), "swmr":
		return StatusStartedSWMR
	default:
		return ""
	}
}

// rank orders statuses for forward-only progression. New and postponed share
// a rank since postponement is retried through new.
func rank(s Status) int {
	switch s {
	case StatusNew, StatusPostponed:
		return 1
	case StatusPrepared:
		return 2
	case StatusStarted:
		return 3
	case StatusStartedSWMR:
		return 4
	default:
		return 0
	}
}

// Submitted reports whether a job has been handed to the cluster.
func (s Status) Submitted() bool {
	return s == StatusStarted || s == StatusStartedSWMR
}
