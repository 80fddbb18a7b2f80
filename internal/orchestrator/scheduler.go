package orchestrator

// Scheduler runs follow-up work once the state transition that requested it
// has been committed and published.
type Scheduler interface {
	AfterSettle(fn func())
}

type SchedulerFunc func(fn func())

func (f SchedulerFunc) AfterSettle(fn func()) {
	f(fn)
}

// GoScheduler runs fn on its own goroutine.
var GoScheduler Scheduler = SchedulerFunc(func(fn func()) { go fn() })
