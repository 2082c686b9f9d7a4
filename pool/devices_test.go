package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/teranos/batchd/batch"
)

func fakeProbe(accs ...Accelerator) ProbeFunc {
	return func() []Accelerator { return accs }
}

func devIDs(devices []batch.DeviceID) []int {
	out := make([]int, len(devices))
	for i, d := range devices {
		out[i] = int(d)
	}
	return out
}

func TestMapDevicesAllCPU(t *testing.T) {
	log := zap.NewNop().Sugar()
	devices := MapDevices(3, nil, 0.2, true, fakeProbe(Accelerator{ID: 0, FreeMemory: 1 << 30}), log)
	assert.Equal(t, []int{-1, -1, -1}, devIDs(devices))
}

func TestMapDevicesNoProbe(t *testing.T) {
	devices := MapDevices(2, nil, 0.2, false, nil, zap.NewNop().Sugar())
	assert.Equal(t, []int{-1, -1}, devIDs(devices))
}

func TestMapDevicesEnoughGPUs(t *testing.T) {
	devices := MapDevices(2, nil, 0.2, false,
		fakeProbe(
			Accelerator{ID: 0, FreeMemory: 4 << 30},
			Accelerator{ID: 1, FreeMemory: 8 << 30},
			Accelerator{ID: 2, FreeMemory: 2 << 30},
		), zap.NewNop().Sugar())
	// Sorted by free memory descending, truncated to numWorkers.
	assert.Equal(t, []int{1, 0}, devIDs(devices))
}

func TestMapDevicesFewerGPUsReused(t *testing.T) {
	devices := MapDevices(5, nil, 0.2, false,
		fakeProbe(
			Accelerator{ID: 3, FreeMemory: 8 << 30},
			Accelerator{ID: 1, FreeMemory: 4 << 30},
		), zap.NewNop().Sugar())
	assert.Equal(t, []int{3, 1, 3, 1, 3}, devIDs(devices))
}

func TestMapDevicesNoGPUFallsBackToCPU(t *testing.T) {
	devices := MapDevices(4, nil, 0.2, false, fakeProbe(), zap.NewNop().Sugar())
	assert.Equal(t, []int{-1, -1, -1, -1}, devIDs(devices))
}

func TestMapDevicesExplicitHint(t *testing.T) {
	devices := MapDevices(4, []int{2, 5}, 0.2, false,
		fakeProbe(Accelerator{ID: 0, FreeMemory: 1 << 30}), zap.NewNop().Sugar())
	assert.Equal(t, []int{2, 5, 2, 5}, devIDs(devices))
}

func TestMapDevicesTotality(t *testing.T) {
	// The result always has length numWorkers, every element -1 or >= 0.
	probes := []ProbeFunc{
		nil,
		fakeProbe(),
		fakeProbe(Accelerator{ID: 0, FreeMemory: 1}),
		fakeProbe(Accelerator{ID: 7, FreeMemory: 1}, Accelerator{ID: 2, FreeMemory: 2}),
	}
	for _, probe := range probes {
		for _, n := range []int{1, 2, 7} {
			devices := MapDevices(n, nil, 0.5, false, probe, zap.NewNop().Sugar())
			assert.Len(t, devices, n)
			for _, d := range devices {
				assert.GreaterOrEqual(t, int(d), -1)
			}
		}
	}
}

func TestCUDAVisibleDevices(t *testing.T) {
	assert.Equal(t, "-1", CUDAVisibleDevices(batch.CPU))
	assert.Equal(t, "3", CUDAVisibleDevices(batch.DeviceID(3)))
}
