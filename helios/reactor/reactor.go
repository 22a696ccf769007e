package reactor

// The reactor owns every socket in the process. Handlers run to completion
// on the loop goroutine; nothing in this package is safe for concurrent use.

// Mask describes fd readiness interest.
type Mask int

const (
	None     Mask = 0
	Readable Mask = 1 << 0
	Writable Mask = 1 << 1
)

// TaskID identifies a scheduled time task. TaskNone means "no task".
type TaskID int64

const TaskNone TaskID = -1

// NoMore is returned by a TimeProc to deschedule itself. Any non-negative
// return is the delay in milliseconds until the next invocation; zero means
// run again on the next loop iteration without sleeping.
const NoMore = -1

// FileProc is an fd readiness handler.
type FileProc func(fd int, data interface{}, mask Mask)

// TimeProc is a timer handler.
type TimeProc func(id TaskID, data interface{}) int

// Reactor is the event loop surface the TLS layer drives. It is satisfied by
// the epoll loop in this package and by the scripted loop used in tests.
type Reactor interface {
	// Register adds interest in mask for fd. Interest accumulates across
	// calls; the proc and data replace any previous registration for the
	// directions in mask.
	Register(fd int, mask Mask, proc FileProc, data interface{}) error

	// Unregister drops interest in mask for fd.
	Unregister(fd int, mask Mask)

	// EventMask reports the currently registered interest for fd.
	EventMask(fd int) Mask

	// Callback returns the handler registered for a single direction,
	// or nil.
	Callback(fd int, mask Mask) FileProc

	// CallbackData returns the data registered for a single direction.
	CallbackData(fd int, mask Mask) interface{}

	// SchedulePeriodic arranges for proc to run after delayMs. The proc's
	// return value reschedules or cancels it, see NoMore.
	SchedulePeriodic(delayMs int64, proc TimeProc, data interface{}) (TaskID, error)

	// CancelTask removes a scheduled task.
	CancelTask(id TaskID) error

	// Wait blocks outside the loop for fd to become ready for mask, up to
	// timeoutMs. It returns the ready directions, or None on timeout.
	Wait(fd int, mask Mask, timeoutMs int64) Mask
}
