package alter

import "time"

// Observer receives scheduler and job lifecycle events, typically to export
// metrics. Implementations must be safe for concurrent use.
type Observer interface {
	JobSubmitted(kind JobKind)
	JobAdmitted(kind JobKind)
	JobSuspended(kind JobKind)
	JobDone(kind JobKind, state JobState)
	TickDone(elapsed time.Duration, tracked int)
}

type nopObserver struct{}

func (nopObserver) JobSubmitted(JobKind) {}
func (nopObserver) JobAdmitted(JobKind) {}
func (nopObserver) JobSuspended(JobKind) {}
func (nopObserver) JobDone(JobKind, JobState) {}
func (nopObserver) TickDone(time.Duration, int) {}
