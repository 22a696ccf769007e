//go:build linux

package reactor

import (
	"fmt"
	"sort"
	"time"

	log "github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"
)

// Loop is the production epoll reactor. One goroutine calls Serve; handlers
// run on that goroutine only.
type Loop struct {
	epfd   int
	events []unix.EpollEvent
	fds    map[int]*fileEvent

	timers     map[TaskID]*timeEvent
	nextTaskID TaskID

	stop   bool
	logger log.Logger
}

type fileEvent struct {
	mask  Mask
	rproc FileProc
	wproc FileProc
	rdata interface{}
	wdata interface{}
}

type timeEvent struct {
	id   TaskID
	when time.Time
	proc TimeProc
	data interface{}
}

func NewLoop(logger log.Logger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Loop{
		epfd:   epfd,
		events: make([]unix.EpollEvent, 1024),
		fds:    make(map[int]*fileEvent),
		timers: make(map[TaskID]*timeEvent),
		logger: logger,
	}, nil
}

func (l *Loop) Register(fd int, mask Mask, proc FileProc, data interface{}) error {
	fe := l.fds[fd]
	op := unix.EPOLL_CTL_MOD
	if fe == nil {
		fe = &fileEvent{}
		l.fds[fd] = fe
		op = unix.EPOLL_CTL_ADD
	}
	fe.mask |= mask
	if mask&Readable != 0 {
		fe.rproc, fe.rdata = proc, data
	}
	if mask&Writable != 0 {
		fe.wproc, fe.wdata = proc, data
	}
	if err := unix.EpollCtl(l.epfd, op, fd, &unix.EpollEvent{
		Events: epollEvents(fe.mask),
		Fd:     int32(fd),
	}); err != nil {
		if op == unix.EPOLL_CTL_ADD {
			delete(l.fds, fd)
		}
		return fmt.Errorf("epoll_ctl fd %d: %w", fd, err)
	}
	return nil
}

func (l *Loop) Unregister(fd int, mask Mask) {
	fe := l.fds[fd]
	if fe == nil {
		return
	}
	fe.mask &^= mask
	if mask&Readable != 0 {
		fe.rproc, fe.rdata = nil, nil
	}
	if mask&Writable != 0 {
		fe.wproc, fe.wdata = nil, nil
	}
	if fe.mask == None {
		delete(l.fds, fd)
		// The fd may already be closed; EBADF here is harmless.
		_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		return
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: epollEvents(fe.mask),
		Fd:     int32(fd),
	}); err != nil {
		l.logger.Warn("failed to narrow epoll interest", "fd", fd, "error", err)
	}
}

func (l *Loop) EventMask(fd int) Mask {
	if fe := l.fds[fd]; fe != nil {
		return fe.mask
	}
	return None
}

func (l *Loop) Callback(fd int, mask Mask) FileProc {
	fe := l.fds[fd]
	if fe == nil {
		return nil
	}
	if mask&Readable != 0 {
		return fe.rproc
	}
	if mask&Writable != 0 {
		return fe.wproc
	}
	return nil
}

func (l *Loop) CallbackData(fd int, mask Mask) interface{} {
	fe := l.fds[fd]
	if fe == nil {
		return nil
	}
	if mask&Readable != 0 {
		return fe.rdata
	}
	if mask&Writable != 0 {
		return fe.wdata
	}
	return nil
}

func (l *Loop) SchedulePeriodic(delayMs int64, proc TimeProc, data interface{}) (TaskID, error) {
	id := l.nextTaskID
	l.nextTaskID++
	l.timers[id] = &timeEvent{
		id:   id,
		when: time.Now().Add(time.Duration(delayMs) * time.Millisecond),
		proc: proc,
		data: data,
	}
	return id, nil
}

func (l *Loop) CancelTask(id TaskID) error {
	if _, ok := l.timers[id]; !ok {
		return fmt.Errorf("no such task: %d", id)
	}
	delete(l.timers, id)
	return nil
}

func (l *Loop) Wait(fd int, mask Mask, timeoutMs int64) Mask {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: pollEvents(mask)}}
	for {
		n, err := unix.Poll(pfd, int(timeoutMs))
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			return None
		}
		var out Mask
		if pfd[0].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			out |= Readable
		}
		if pfd[0].Revents&(unix.POLLOUT|unix.POLLERR) != 0 {
			out |= Writable
		}
		return out
	}
}

// Serve runs the loop until Stop is called.
func (l *Loop) Serve() {
	for !l.stop {
		l.processTimeEvents()
		timeout := l.nextTimerDelayMs()
		n, err := unix.EpollWait(l.epfd, l.events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			l.logger.Error("epoll_wait failed", "error", err)
			return
		}
		for i := 0; i < n; i++ {
			ev := l.events[i]
			fd := int(ev.Fd)
			fe := l.fds[fd]
			if fe == nil {
				continue
			}
			// Error and hangup conditions surface through the read
			// handler first, matching the level-triggered contract
			// handlers are written against.
			readable := ev.Events&(unix.EPOLLIN|unix.EPOLLERR|unix.EPOLLHUP) != 0
			writable := ev.Events&(unix.EPOLLOUT|unix.EPOLLERR) != 0
			if readable && fe.mask&Readable != 0 && fe.rproc != nil {
				fe.rproc(fd, fe.rdata, Readable)
				fe = l.fds[fd]
				if fe == nil {
					continue
				}
			}
			if writable && fe.mask&Writable != 0 && fe.wproc != nil {
				fe.wproc(fd, fe.wdata, Writable)
			}
		}
	}
}

// Stop makes Serve return after the current iteration.
func (l *Loop) Stop() {
	l.stop = true
}

// Close releases the epoll descriptor.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}

func (l *Loop) processTimeEvents() {
	if len(l.timers) == 0 {
		return
	}
	now := time.Now()
	// Fire in id order so repeated zero-delay tasks stay fair.
	due := make([]*timeEvent, 0, len(l.timers))
	for _, te := range l.timers {
		if !te.when.After(now) {
			due = append(due, te)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].id < due[j].id })
	for _, te := range due {
		if _, live := l.timers[te.id]; !live {
			continue
		}
		retry := te.proc(te.id, te.data)
		if retry == NoMore {
			delete(l.timers, te.id)
			continue
		}
		te.when = time.Now().Add(time.Duration(retry) * time.Millisecond)
	}
}

func (l *Loop) nextTimerDelayMs() int {
	if len(l.timers) == 0 {
		return 100
	}
	var earliest time.Time
	first := true
	for _, te := range l.timers {
		if first || te.when.Before(earliest) {
			earliest = te.when
			first = false
		}
	}
	d := time.Until(earliest)
	if d < 0 {
		return 0
	}
	return int(d / time.Millisecond)
}

func epollEvents(mask Mask) uint32 {
	var ev uint32
	if mask&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func pollEvents(mask Mask) int16 {
	var ev int16
	if mask&Readable != 0 {
		ev |= unix.POLLIN
	}
	if mask&Writable != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}
