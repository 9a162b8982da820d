package models

// JobStatus represents the current status of a fine-tuning job
type JobStatus string

const (
	JobStatusNew       JobStatus = "NEW"
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusStopping  JobStatus = "STOPPING"
	JobStatusStopped   JobStatus = "STOPPED"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// TerminalStatuses are the statuses no transition may leave.
var TerminalStatuses = map[JobStatus]bool{
	JobStatusCompleted: true,
	JobStatusFailed:    true,
	JobStatusStopped:   true,
}

// CancellableStatuses are the statuses a user may cancel from.
var CancellableStatuses = map[JobStatus]bool{
	JobStatusNew:     true,
	JobStatusQueued:  true,
	JobStatusRunning: true,
}

// JobTransitions maps job statuses to their possible successors.
var JobTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusNew: {
		JobStatusQueued:   true,
		JobStatusStopping: true,
		JobStatusStopped:  true,
		JobStatusFailed:   true,
	},
	JobStatusQueued: {
		JobStatusRunning:  true,
		JobStatusStopping: true,
		JobStatusStopped:  true,
		JobStatusFailed:   true,
	},
	JobStatusRunning: {
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusStopping:  true,
	},
	JobStatusStopping: {
		JobStatusStopped: true,
	},
	JobStatusStopped:   {},
	JobStatusCompleted: {},
	JobStatusFailed:    {},
}

// JobReverseTransitions lists possible parent statuses.
var JobReverseTransitions = reverseTransitions(JobTransitions)

func reverseTransitions(
	transitions map[JobStatus]map[JobStatus]bool,
) map[JobStatus]map[JobStatus]bool {
	ret := make(map[JobStatus]map[JobStatus]bool)
	for status := range transitions {
		ret[status] = make(map[JobStatus]bool)
	}
	for start, ends := range transitions {
		for end := range ends {
			ret[end][start] = true
		}
	}
	return ret
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	_, ok := JobTransitions[s]
	return ok
}

// Terminal reports whether s is a terminal status.
func (s JobStatus) Terminal() bool {
	return TerminalStatuses[s]
}

// CanTransition reports whether to is a legal direct successor of s.
func (s JobStatus) CanTransition(to JobStatus) bool {
	return JobTransitions[s][to]
}

// IsAncestorOf reports whether a job in status other must already have passed
// through s, i.e. s is reachable backwards from other.
func (s JobStatus) IsAncestorOf(other JobStatus) bool {
	seen := map[JobStatus]bool{other: true}
	queue := []JobStatus{other}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for parent := range JobReverseTransitions[cur] {
			if parent == s {
				return true
			}
			if !seen[parent] {
				seen[parent] = true
				queue = append(queue, parent)
			}
		}
	}
	return false
}
