// Copyright (C) 2021-2025 Intel Corporation
// SPDX-License-Identifier: BSD-3-Clause

package perfevent

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"perfstat/internal/cpuinfo"
)

// PerfCounter is one point-in-time counter reading.
type PerfCounter struct {
	Value       uint64
	TimeEnabled uint64
	TimeRunning uint64
	ID          uint64
}

// EventFd owns one kernel perf event file descriptor and, optionally, its
// mapped ring buffer. A follower fd holds a reference to its group leader;
// the leader must outlive it.
type EventFd struct {
	fd   int
	id   uint64 // kernel event id, read lazily
	name string
	tid  int
	cpu  int

	leader *EventFd // group leader; nil for a leader or a lone event

	mmapBuf  []byte // metadata page + data ring
	dataSize uint64
	auxBuf   []byte
}

// OpenEventFile opens a kernel perf event for (attr, tid, cpu). When
// groupFd is non-nil the new event joins its group and is scheduled
// atomically with it.
//
// On Intel hybrid CPUs, raw events opened on an efficiency (atom) core must
// carry the atom PMU's type and the atom-specific config; the kernel
// rejects the core-PMU encoding there. That rewrite happens here, not in
// the attribute builder, because only the open site knows the cpu.
func OpenEventFile(attr unix.PerfEventAttr, tid, cpu int, groupFd *EventFd, name string, reportError bool) (*EventFd, error) {
	if (runtime.GOARCH == "amd64" || runtime.GOARCH == "386") &&
		attr.Type == unix.PERF_TYPE_RAW && cpuinfo.X86IntelAtomCpus().Contains(cpu) {
		atomType, err := cpuinfo.X86IntelAtomCpuEventType()
		if err != nil {
			return nil, err
		}
		attr.Type = atomType
		if eventType, findErr := FindEventTypeByName(name); findErr == nil && eventType.AtomConfig != 0 {
			attr.Config = eventType.GetIntelAtomCpuConfig()
		}
	}
	groupFdValue := -1
	if groupFd != nil {
		groupFdValue = groupFd.fd
	}
	fd, err := unix.PerfEventOpen(&attr, tid, cpu, groupFdValue, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		err = classifyOpenError(err, name, tid, cpu)
		if reportError {
			slog.Error("perf_event_open failed", slog.String("event", name),
				slog.Int("tid", tid), slog.Int("cpu", cpu), slog.String("error", err.Error()))
		} else {
			slog.Debug("perf_event_open failed", slog.String("event", name),
				slog.Int("tid", tid), slog.Int("cpu", cpu), slog.String("error", err.Error()))
		}
		return nil, err
	}
	return &EventFd{fd: fd, name: name, tid: tid, cpu: cpu, leader: groupFd}, nil
}

func classifyOpenError(err error, name string, tid, cpu int) error {
	var class error
	switch err {
	case unix.EMFILE, unix.ENFILE:
		// a dedicated diagnostic: the fix is raising RLIMIT_NOFILE
		class = errors.Wrap(ErrResourceExhausted,
			"out of file descriptors; raise the open file limit (ulimit -n)")
	case unix.EACCES, unix.EPERM:
		class = errors.Wrap(ErrAccessDenied,
			"not allowed to open the event; check /proc/sys/kernel/perf_event_paranoid")
	case unix.EINVAL:
		class = ErrAttrInvalid
	case unix.ENOENT, unix.ENODEV:
		// the cpu may have gone offline between enumeration and open
		class = ErrResourceExhausted
	case unix.ESRCH:
		class = ErrTargetGone
	default:
		class = err
	}
	return fmt.Errorf("open event %s for (tid %d, cpu %d): %w", name, tid, cpu, class)
}

// Name returns the event name with its (tid, cpu) pairing, for diagnostics.
func (f *EventFd) Name() string {
	return fmt.Sprintf("%s(tid %d, cpu %d)", f.name, f.tid, f.cpu)
}

// ThreadId returns the monitored thread id (-1 for all threads).
func (f *EventFd) ThreadId() int { return f.tid }

// Cpu returns the monitored cpu (-1 for all cpus).
func (f *EventFd) Cpu() int { return f.cpu }

// Id returns the kernel-assigned event id. It is read on first use and
// cached: the id never changes for the lifetime of the fd.
func (f *EventFd) Id() uint64 {
	if f.id == 0 {
		var id uint64
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(f.fd),
			uintptr(unix.PERF_EVENT_IOC_ID), uintptr(unsafe.Pointer(&id)))
		if errno != 0 {
			slog.Error("failed to read event id", slog.String("event", f.Name()), slog.String("error", errno.Error()))
			return 0
		}
		f.id = id
	}
	return f.id
}

// ReadCounter reads {value, time_enabled, time_running, id} from the fd.
func (f *EventFd) ReadCounter() (counter PerfCounter, err error) {
	var buf [32]byte
	n, err := unix.Read(f.fd, buf[:])
	if err != nil || n != len(buf) {
		err = errors.Wrapf(ErrIOFault, "failed to read counter %s", f.Name())
		return
	}
	counter.Value = binary.LittleEndian.Uint64(buf[0:])
	counter.TimeEnabled = binary.LittleEndian.Uint64(buf[8:])
	counter.TimeRunning = binary.LittleEndian.Uint64(buf[16:])
	counter.ID = binary.LittleEndian.Uint64(buf[24:])
	f.id = counter.ID
	return
}

// SetEnableEvent starts or stops counting.
func (f *EventFd) SetEnableEvent(enable bool) error {
	request, verb := uint(unix.PERF_EVENT_IOC_DISABLE), "disable"
	if enable {
		request, verb = uint(unix.PERF_EVENT_IOC_ENABLE), "enable"
	}
	if err := unix.IoctlSetInt(f.fd, request, 0); err != nil {
		return errors.Wrapf(err, "failed to %s %s", verb, f.Name())
	}
	return nil
}

// SetFilter attaches a kernel-side filter string (tracepoint filter or
// instruction-trace address filter).
func (f *EventFd) SetFilter(filter string) error {
	bytes, err := unix.BytePtrFromString(filter)
	if err != nil {
		return err
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(f.fd),
		uintptr(unix.PERF_EVENT_IOC_SET_FILTER), uintptr(unsafe.Pointer(bytes)))
	if errno != 0 {
		return errors.Wrapf(ErrFilterInvalid, "failed to set filter %q on %s: %v", filter, f.Name(), errno)
	}
	return nil
}

// CreateMappedBuffer maps the metadata page plus a data ring of pages
// 2^ceil(log2(pages)) long.
func (f *EventFd) CreateMappedBuffer(pages int) error {
	pageSize := os.Getpagesize()
	// the data ring must be a power-of-two number of pages
	ringPages := 1
	for ringPages < pages {
		ringPages *= 2
	}
	size := (ringPages + 1) * pageSize
	buf, err := unix.Mmap(f.fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		if err == unix.EPERM {
			return errors.Wrapf(ErrResourceExhausted,
				"mmap of %d pages for %s hit the locked memory limit", ringPages, f.Name())
		}
		return errors.Wrapf(ErrIOFault, "failed to mmap %s: %v", f.Name(), err)
	}
	f.mmapBuf = buf
	f.dataSize = uint64(ringPages * pageSize)
	return nil
}

func (f *EventFd) metaPage() *unix.PerfEventMmapPage {
	return (*unix.PerfEventMmapPage)(unsafe.Pointer(&f.mmapBuf[0]))
}

// ReadAvailableData copies out all unread bytes from the data ring and
// advances the consumer tail. Returns nil when no buffer is mapped or no
// data is pending.
func (f *EventFd) ReadAvailableData() []byte {
	if f.mmapBuf == nil {
		return nil
	}
	page := f.metaPage()
	head := atomic.LoadUint64(&page.Data_head)
	tail := page.Data_tail
	if head == tail {
		return nil
	}
	data := f.mmapBuf[os.Getpagesize():]
	size := f.dataSize
	out := make([]byte, head-tail)
	for i := range out {
		out[i] = data[(tail+uint64(i))%size]
	}
	atomic.StoreUint64(&page.Data_tail, head)
	return out
}

// Close unmaps buffers and closes the fd. Followers must be closed before
// their group leader.
func (f *EventFd) Close() {
	if f.auxBuf != nil {
		unix.Munmap(f.auxBuf)
		f.auxBuf = nil
	}
	if f.mmapBuf != nil {
		unix.Munmap(f.mmapBuf)
		f.mmapBuf = nil
	}
	if f.fd >= 0 {
		unix.Close(f.fd)
		f.fd = -1
	}
}
