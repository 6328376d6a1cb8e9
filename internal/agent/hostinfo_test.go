package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProc(t *testing.T, root, name, content string) {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestHostProbeSample(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, "stat", "cpu  100 0 100 700 100 0 0 0 0 0\ncpu0 1 2 3 4\n")
	writeProc(t, root, "meminfo", "MemTotal:        2048000 kB\nMemFree:          512000 kB\nMemAvailable:    1024000 kB\n")
	writeProc(t, root, "uptime", "3600.55 7000.00\n")
	writeProc(t, root, "net/dev", `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo:  999999      10    0    0    0     0          0         0   999999      10    0    0    0     0       0          0
  eth0:    1000      10    0    0    0     0          0         0     2000      20    0    0    0     0       0          0
  eth1:     500       5    0    0    0     0          0         0      250       2    0    0    0     0       0          0
`)

	probe := newHostProbe(root, t.TempDir())
	s := probe.Sample()
	assert.Zero(t, s.CPUPercent, "first sample has no delta")
	assert.EqualValues(t, 2000, s.MemoryTotalMB)
	assert.EqualValues(t, 1000, s.MemoryUsedMB)
	assert.InDelta(t, 50.0, s.MemoryPercent, 0.01)
	assert.EqualValues(t, 3600, s.UptimeSeconds)
	assert.EqualValues(t, 1500, s.NetRxBytes)
	assert.EqualValues(t, 2250, s.NetTxBytes)
	assert.True(t, s.DiskPercent >= 0 && s.DiskPercent <= 100)

	// +100 busy, +100 idle since the last sample
	writeProc(t, root, "stat", "cpu  150 0 150 800 100 0 0 0 0 0\n")
	assert.InDelta(t, 50.0, probe.Sample().CPUPercent, 0.01)
}

func TestHostProbeMissingProc(t *testing.T) {
	probe := newHostProbe(filepath.Join(t.TempDir(), "missing"), "")
	s := probe.Sample()
	assert.Zero(t, s.MemoryTotalMB)
	assert.Zero(t, s.UptimeSeconds)
	assert.Zero(t, s.NetRxBytes)
}
