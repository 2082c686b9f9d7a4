// Package pool manages the device-sharded set of batch aggregators: device
// assignment, worker lifecycle, and degraded-mode bookkeeping.
package pool

import (
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/teranos/batchd/batch"
)

// Accelerator is one probed device.
type Accelerator struct {
	ID         int
	FreeMemory uint64 // bytes
}

// ProbeFunc enumerates available accelerators. The caller supplies it; tests
// inject fakes and CPU-only deployments pass nil.
type ProbeFunc func() []Accelerator

// MapDevices materializes the per-worker device assignment list. The result
// always has length numWorkers; each element is batch.CPU or a non-negative
// accelerator id.
//
// runAllCPU pins every slot to CPU. Otherwise the probed accelerators are
// sorted by free memory descending and assigned round-robin; when fewer
// devices than workers exist they are reused cyclically (with a warning),
// and when none exist every slot falls back to CPU. A non-empty deviceHint
// replaces the probed id list; it is ignored when runAllCPU is set, probe is
// nil, or the probe reports no accelerator.
func MapDevices(numWorkers int, deviceHint []int, memFraction float64, runAllCPU bool, probe ProbeFunc, log *zap.SugaredLogger) []batch.DeviceID {
	devices := make([]batch.DeviceID, numWorkers)
	for i := range devices {
		devices[i] = batch.CPU
	}

	if !runAllCPU && probe != nil {
		avail := probe()
		sort.Slice(avail, func(i, j int) bool { return avail[i].FreeMemory > avail[j].FreeMemory })
		if len(avail) > numWorkers {
			avail = avail[:numWorkers]
		}

		switch {
		case len(avail) == 0:
			log.Warnw("no accelerator available, falling back to cpu", "num_worker", numWorkers)
		case len(avail) < numWorkers:
			log.Warnw("fewer accelerators than workers, devices will be reused",
				"available", len(avail),
				"num_worker", numWorkers,
				"mem_fraction", memFraction)
			fallthrough
		default:
			ids := deviceHint
			if len(ids) == 0 {
				ids = make([]int, len(avail))
				for i, a := range avail {
					ids[i] = a.ID
				}
			} else {
				log.Warnw("workers allocated from explicit device map, may not scale well",
					"device_map", deviceHint)
			}
			for i := range devices {
				devices[i] = batch.DeviceID(ids[i%len(ids)])
			}
		}
	}

	for i, d := range devices {
		name := "cpu"
		if d >= 0 {
			name = "gpu " + strconv.Itoa(int(d))
		}
		log.Infow("device assignment", "worker", i, "device", name)
	}
	return devices
}

// CUDAVisibleDevices renders the CUDA_VISIBLE_DEVICES value for a device id.
func CUDAVisibleDevices(d batch.DeviceID) string {
	return strconv.Itoa(int(d))
}
