//go:build linux

// Package file provides an engine that performs each transfer as kernel
// I/O against a device node or regular file, one io_uring per queue.
package file

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-onic/internal/dma"
	"github.com/ehrlich-b/go-onic/internal/engine"
	"github.com/ehrlich-b/go-onic/internal/logging"
)

const (
	ringEntries = 4

	userDataIO      = 1
	userDataTimeout = 2
)

// lane is the ring serving one queue handle
type lane struct {
	mu     sync.Mutex
	ring   *giouring.Ring
	logger *logging.Logger
}

// File submits vectored reads and writes of the request's segments at
// DeviceOffset. Every queue handle gets its own ring so lanes never
// contend with each other.
type File struct {
	fd     int
	path   string
	size   int64
	logger *logging.Logger

	mu     sync.Mutex
	lanes  map[dma.QueueHandle]*lane
	closed bool
}

// Open opens path for transfers. A regular file shorter than size is
// extended; size 0 keeps the current length.
func Open(path string, size int64, logger *logging.Logger) (*File, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Mode&unix.S_IFMT == unix.S_IFREG && size > st.Size {
		if err := unix.Ftruncate(fd, size); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("extend %s to %d: %w", path, size, err)
		}
	}
	if size == 0 {
		size = st.Size
	}

	logger.Debug("file engine opened", "path", path, "size", size)
	return &File{
		fd:     fd,
		path:   path,
		size:   size,
		logger: logger,
		lanes:  make(map[dma.QueueHandle]*lane),
	}, nil
}

func (f *File) lane(q dma.QueueHandle) (*lane, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, syscall.EBADF
	}
	if l, ok := f.lanes[q]; ok {
		return l, nil
	}
	ring, err := giouring.CreateRing(ringEntries)
	if err != nil {
		return nil, fmt.Errorf("create ring for %s: %w", q, err)
	}
	l := &lane{ring: ring, logger: f.logger.WithQueue(q.Queue)}
	f.lanes[q] = l
	l.logger.Debug("ring created", "dir", q.Dir.String(), "entries", ringEntries)
	return l, nil
}

// Submit implements engine.Engine
func (f *File) Submit(ctx context.Context, q dma.QueueHandle, req *engine.Request) (int, error) {
	if req == nil || req.Table == nil {
		return 0, syscall.EINVAL
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	iovecs := make([]syscall.Iovec, 0, req.Table.Len())
	for e := req.Table.Head(); e != nil; e = e.Next() {
		b := e.Bytes()
		if len(b) == 0 {
			continue
		}
		iov := syscall.Iovec{Base: &b[0]}
		iov.SetLen(len(b))
		iovecs = append(iovecs, iov)
	}
	if len(iovecs) == 0 {
		return 0, nil
	}

	l, err := f.lane(q)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	timeout := req.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); timeout <= 0 || left < timeout {
			timeout = left
		}
		if timeout <= 0 {
			return 0, context.DeadlineExceeded
		}
	}

	sqe := l.ring.GetSQE()
	if sqe == nil {
		return 0, syscall.EAGAIN
	}
	iovPtr := uintptr(unsafe.Pointer(&iovecs[0]))
	switch req.Direction {
	case dma.Read:
		sqe.PrepareReadv(f.fd, iovPtr, uint32(len(iovecs)), uint64(req.DeviceOffset))
	case dma.Write:
		sqe.PrepareWritev(f.fd, iovPtr, uint32(len(iovecs)), uint64(req.DeviceOffset))
	default:
		return 0, syscall.EINVAL
	}
	sqe.UserData = userDataIO

	var ts syscall.Timespec
	want := uint32(1)
	if timeout > 0 {
		sqe.Flags |= giouring.SqeIOLink
		ts = syscall.NsecToTimespec(timeout.Nanoseconds())
		tsqe := l.ring.GetSQE()
		if tsqe == nil {
			return 0, syscall.EAGAIN
		}
		tsqe.PrepareLinkTimeout(&ts, 0)
		tsqe.UserData = userDataTimeout
		want = 2
	}

	if _, err := l.ring.SubmitAndWait(want); err != nil {
		return 0, fmt.Errorf("submit %s: %w", q, err)
	}

	res, timedOut, err := f.reap(l.ring, want)
	runtime.KeepAlive(iovecs)
	runtime.KeepAlive(&ts)
	if err != nil {
		return 0, err
	}
	if res < 0 {
		errno := syscall.Errno(-res)
		if errno == syscall.ECANCELED && timedOut {
			l.logger.Warn("linked timeout fired", "dir", q.Dir.String(), "timeout", timeout.String())
			return 0, syscall.ETIME
		}
		return 0, errno
	}
	return int(res), nil
}

// reap collects want completions, returning the I/O result and whether
// the linked timeout fired
func (f *File) reap(ring *giouring.Ring, want uint32) (int32, bool, error) {
	var res int32
	timedOut := false
	for got := uint32(0); got < want; {
		cqe, err := ring.WaitCQE()
		if err != nil {
			if err == syscall.EINTR || err == syscall.EAGAIN {
				continue
			}
			return 0, false, fmt.Errorf("wait completion: %w", err)
		}
		switch cqe.UserData {
		case userDataIO:
			res = cqe.Res
		case userDataTimeout:
			timedOut = cqe.Res == -int32(syscall.ETIME)
		}
		ring.CQESeen(cqe)
		got++
	}
	return res, timedOut, nil
}

// Size implements engine.SizedEngine
func (f *File) Size() int64 {
	return f.size
}

// Path returns the file the engine transfers against
func (f *File) Path() string {
	return f.path
}

// Stats implements engine.StatEngine
func (f *File) Stats() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return map[string]any{
		"type":  "file",
		"path":  f.path,
		"size":  f.size,
		"rings": len(f.lanes),
	}
}

// Close implements engine.Engine
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	for q, l := range f.lanes {
		l.mu.Lock()
		l.ring.QueueExit()
		l.mu.Unlock()
		delete(f.lanes, q)
	}
	return unix.Close(f.fd)
}

// Compile-time interface checks
var (
	_ engine.Engine      = (*File)(nil)
	_ engine.StatEngine  = (*File)(nil)
	_ engine.SizedEngine = (*File)(nil)
)
