package agent

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

// HostSample is one reading of host resource usage.
type HostSample struct {
	CPUPercent    float64
	MemoryPercent float64
	MemoryUsedMB  int64
	MemoryTotalMB int64
	DiskPercent   float64
	UptimeSeconds int64
	NetRxBytes    uint64
	NetTxBytes    uint64
}

// hostProbe reads host metrics from procfs. CPU usage is the delta since
// the previous sample, so the first sample reports zero.
type hostProbe struct {
	procRoot string
	diskPath string

	mu        sync.Mutex
	lastTotal uint64
	lastIdle  uint64
}

func newHostProbe(procRoot, diskPath string) *hostProbe {
	if procRoot == "" {
		procRoot = "/proc"
	}
	return &hostProbe{procRoot: procRoot, diskPath: diskPath}
}

// Sample never fails; unreadable sources leave their fields zero.
func (h *hostProbe) Sample() HostSample {
	var s HostSample
	s.CPUPercent = h.cpuPercent()
	if total, avail, err := h.meminfo(); err == nil && total > 0 {
		s.MemoryTotalMB = int64(total / 1024)
		s.MemoryUsedMB = int64((total - avail) / 1024)
		s.MemoryPercent = round2(float64(total-avail) / float64(total) * 100)
	}
	s.DiskPercent = diskPercent(h.diskPath)
	s.UptimeSeconds = h.uptime()
	s.NetRxBytes, s.NetTxBytes = h.netCounters()
	return s
}

func (h *hostProbe) cpuPercent() float64 {
	f, err := os.Open(filepath.Join(h.procRoot, "stat"))
	if err != nil {
		return 0
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0
	}
	fields := strings.Fields(sc.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0
	}
	var total, idle uint64
	for i, v := range fields[1:] {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0
		}
		total += n
		// idle + iowait
		if i == 3 || i == 4 {
			idle += n
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	dTotal, dIdle := total-h.lastTotal, idle-h.lastIdle
	first := h.lastTotal == 0
	h.lastTotal, h.lastIdle = total, idle
	if first || dTotal == 0 {
		return 0
	}
	return round2(float64(dTotal-dIdle) / float64(dTotal) * 100)
}

// meminfo returns MemTotal and MemAvailable in kB.
func (h *hostProbe) meminfo() (uint64, uint64, error) {
	f, err := os.Open(filepath.Join(h.procRoot, "meminfo"))
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	var total, avail uint64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = n
		case "MemAvailable:":
			avail = n
		}
	}
	if total == 0 {
		return 0, 0, fmt.Errorf("MemTotal missing")
	}
	return total, avail, nil
}

func (h *hostProbe) uptime() int64 {
	data, err := os.ReadFile(filepath.Join(h.procRoot, "uptime"))
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return int64(secs)
}

// netCounters sums rx/tx bytes over every interface except loopback.
func (h *hostProbe) netCounters() (uint64, uint64) {
	f, err := os.Open(filepath.Join(h.procRoot, "net", "dev"))
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	var rx, tx uint64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		iface, rest, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(iface) == "lo" {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 9 {
			continue
		}
		r, err1 := strconv.ParseUint(fields[0], 10, 64)
		t, err2 := strconv.ParseUint(fields[8], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		rx += r
		tx += t
	}
	return rx, tx
}

func diskPercent(path string) float64 {
	if path == "" {
		path = "/"
	}
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil || st.Blocks == 0 {
		return 0
	}
	used := st.Blocks - st.Bfree
	return round2(float64(used) / float64(used+st.Bavail) * 100)
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
