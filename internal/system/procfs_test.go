package system

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixture(t *testing.T, files map[string]string) ProcFS {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	return NewProcFS(root)
}

func TestCPU(t *testing.T) {
	fs := fixture(t, map[string]string{
		"stat": "cpu  100 10 50 800 40 0 0 0 0 0\ncpu0 50 5 25 400 20 0 0 0 0 0\nintr 1 2 3\n",
	})
	c, err := fs.CPU()
	require.NoError(t, err)
	// stat is in USER_HZ ticks; procfs reports seconds.
	assert.InDelta(t, 1.0, c.User, 1e-9)
	assert.InDelta(t, 8.0, c.Idle, 1e-9)
	assert.InDelta(t, 0.4, c.IOWait, 1e-9)
	assert.InDelta(t, 10.0, c.Total, 1e-9)
}

func TestCPUUsage(t *testing.T) {
	prev := CPUCounters{Idle: 8, Total: 10}
	cur := CPUCounters{Idle: 8.75, Total: 11}
	assert.InDelta(t, 25.0, CPUUsage(prev, cur), 0.001)
	assert.Zero(t, CPUUsage(cur, prev))
}

func TestMemoryFallsBackWithoutAvailable(t *testing.T) {
	fs := fixture(t, map[string]string{
		"meminfo": "MemTotal: 1000 kB\nMemFree: 200 kB\nBuffers: 50 kB\nCached: 150 kB\nSwapTotal: 10 kB\n",
	})
	m, err := fs.Memory()
	require.NoError(t, err)
	assert.Equal(t, uint64(1000*1024), m.TotalBytes)
	assert.Equal(t, uint64(400*1024), m.AvailableBytes)
	assert.Equal(t, uint64(600*1024), m.UsedBytes)
	assert.Equal(t, uint64(10*1024), m.SwapTotalBytes)
}

func TestMemoryRequiresTotal(t *testing.T) {
	_, err := fixture(t, map[string]string{"meminfo": "MemFree: 1 kB\n"}).Memory()
	assert.Error(t, err)
}

func TestNetSkipsLoopback(t *testing.T) {
	fs := fixture(t, map[string]string{
		"net/dev": `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
  eth1: 7 1 0 0 0 0 0 0 9 1 0 0 0 0 0 0
    lo: 5000 50 0 0 0 0 0 0 5000 50 0 0 0 0 0 0
  eth0: 1000 10 0 0 0 0 0 0 2000 20 0 0 0 0 0 0
`,
	})
	n, err := fs.Net()
	require.NoError(t, err)
	require.Len(t, n, 2)
	assert.Equal(t, NetCounters{Interface: "eth0", RxBytes: 1000, RxPackets: 10, TxBytes: 2000, TxPackets: 20}, n[0])
	assert.Equal(t, "eth1", n[1].Interface)
}

func TestDiskFiltersDevices(t *testing.T) {
	fs := fixture(t, map[string]string{
		"diskstats": "   7       0 loop0 1 0 8 0 0 0 0 0 0 0 0\n   8       0 sda 10 0 100 5 20 0 200 9 0 0 0\n",
	})
	d, err := fs.Disk()
	require.NoError(t, err)
	require.Len(t, d, 1)
	assert.Equal(t, DiskCounters{Device: "sda", ReadBytes: 100 * 512, WriteBytes: 200 * 512}, d[0])
}

func TestLoadAvg(t *testing.T) {
	l, err := fixture(t, map[string]string{"loadavg": "0.50 1.25 2.00 1/100 4242\n"}).LoadAvg()
	require.NoError(t, err)
	assert.Equal(t, LoadAvg{Load1: 0.5, Load5: 1.25, Load15: 2}, l)
}

func TestMissingFile(t *testing.T) {
	_, err := NewProcFS(t.TempDir()).CPU()
	assert.Error(t, err)
}

func TestMissingRoot(t *testing.T) {
	fs := NewProcFS(filepath.Join(t.TempDir(), "absent"))
	_, err := fs.Memory()
	assert.ErrorContains(t, err, "open procfs")
	_, err = fs.Disk()
	assert.ErrorContains(t, err, "open procfs")
}

func TestMalformedMeminfo(t *testing.T) {
	_, err := fixture(t, map[string]string{"meminfo": "MemTotal: 1000 MB\n"}).Memory()
	assert.ErrorContains(t, err, "read meminfo")
}
