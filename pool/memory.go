package pool

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// Rough per-worker footprint used for the startup warning. Model copies
// routinely run 2-6 GB resident; 2 GB is the floor worth warning about.
const estimatedWorkerFootprintGB = 2.0

// checkMemoryPressure returns a human-readable warning when the configured
// worker count is likely to exceed available memory, or "" when the
// configuration looks safe. A probe failure stays silent: the check is
// advisory only.
func checkMemoryPressure(numWorkers int) string {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return ""
	}
	availableGB := float64(vm.Available) / (1024 * 1024 * 1024)
	neededGB := float64(numWorkers) * estimatedWorkerFootprintGB
	if neededGB > availableGB {
		return fmt.Sprintf("%d workers need ~%.1f GB but only %.1f GB is available; consider fewer workers",
			numWorkers, neededGB, availableGB)
	}
	return ""
}
