package execution

import (
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

type sampler struct {
	stop chan struct{}
	done chan struct{}
	last ResourceUsage
}

func startSampler(pid int, every time.Duration) *sampler {
	s := &sampler{stop: make(chan struct{}), done: make(chan struct{})}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		close(s.done)
		return s
	}
	go s.loop(proc, every)
	return s
}

func (s *sampler) loop(proc *process.Process, every time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	s.sample(proc)
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sample(proc)
		}
	}
}

// sample keeps the peak of each counter. Reads fail once the process has
// exited; the previous values stand.
func (s *sampler) sample(proc *process.Process) {
	if cpu, err := proc.CPUPercent(); err == nil && cpu > s.last.CPUPercent {
		s.last.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil && mem.RSS > s.last.MemoryBytes {
		s.last.MemoryBytes = mem.RSS
	}
	if io, err := proc.IOCounters(); err == nil && io != nil {
		if io.ReadBytes > s.last.ReadBytes {
			s.last.ReadBytes = io.ReadBytes
		}
		if io.WriteBytes > s.last.WriteBytes {
			s.last.WriteBytes = io.WriteBytes
		}
	}
}

func (s *sampler) finish() ResourceUsage {
	select {
	case <-s.done:
	default:
		close(s.stop)
		<-s.done
	}
	return s.last
}

// ProcessRunning reports whether pid is present in the process table.
func ProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}
